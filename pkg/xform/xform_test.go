package xform

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmtmgo/pkg/errdefs"
)

const surveyTemplate = `<?xml version="1.0"?>
<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml" xmlns:jr="http://openrosa.org/javarosa" xmlns:odk="http://www.opendatakit.org/xforms" xmlns:entities="http://www.opendatakit.org/xforms/entities">
  <h:head>
    <h:title>template</h:title>
    <model odk:xforms-version="1.0.0" entities:entities-version="2022.1.0">
      <itext>
        <translation lang="default" default="true()">
          <text id="task_id-0"><value>1</value></text>
          <text id="other"><value>keep me</value></text>
        </translation>
        <translation lang="French(fr)">
          <text id="task_id-0"><value>1</value></text>
        </translation>
      </itext>
      <instance>
        <data id="template_form" version="1">
          <all><form_category/></all>
          <task_id/>
          <meta><instanceID/><entity dataset="features" id="" update="1" baseVersion=""/></meta>
        </data>
      </instance>
      <instance id="task_id"><root><item><itextId>task_id-0</itextId><name>1</name></item></root></instance>
      <instance id="features" src="jr://file-csv/features.csv"/>
      <instance id="extra" src="jr://file/extra.geojson"/>
      <instance id="logo" src="jr://images/logo.png"/>
      <bind nodeset="/data/all/form_category" type="string" calculate="once('template')"/>
    </model>
  </h:head>
  <h:body/>
</h:html>`

func fixedID() string { return "11111111-2222-3333-4444-555555555555" }

func load(t *testing.T, data []byte) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(data))
	return doc.Root()
}

func TestSpecialize(t *testing.T) {
	out, err := Specialize([]byte(surveyTemplate), "buildings", []int{1, 2, 3}, fixedID)
	require.NoError(t, err)
	root := load(t, out)

	data := root.FindElement("//data")
	require.NotNil(t, data)
	assert.Equal(t, fixedID(), data.SelectAttrValue("id", ""))

	assert.Equal(t, "buildings", root.FindElement("//title").Text())

	srcs := map[string]string{}
	for _, inst := range root.FindElements("//instance[@src]") {
		srcs[inst.SelectAttrValue("id", "")] = inst.SelectAttrValue("src", "")
	}
	assert.Equal(t, "jr://file-csv/buildings.csv", srcs["features"])
	assert.Equal(t, "jr://file-csv/buildings.csv", srcs["extra"])
	assert.Equal(t, "jr://images/logo.png", srcs["logo"])

	taskInstances := root.FindElements("//instance[@id='task_id']")
	require.Len(t, taskInstances, 1)
	assert.Equal(t, NSXForms, taskInstances[0].NamespaceURI())
	items := taskInstances[0].FindElements("./root/item")
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, taskTextID(i), item.FindElement("itextId").Text())
		assert.Equal(t, []string{"1", "2", "3"}[i], item.FindElement("name").Text())
	}

	translations := root.FindElements("//itext/translation")
	require.Len(t, translations, 2)
	for _, tr := range translations {
		assert.Len(t, tr.FindElements("text[@id='task_id-0']"), 1)
		assert.Equal(t, "3", tr.FindElement("text[@id='task_id-2']/value").Text())
	}
	assert.Equal(t, "keep me", translations[0].FindElement("text[@id='other']/value").Text())

	bind := root.FindElement("//bind[@nodeset='/data/all/form_category']")
	assert.Equal(t, "once('buildings')", bind.SelectAttrValue("calculate", ""))
}

func TestSpecialize_FreshIDPerCall(t *testing.T) {
	a, err := Specialize([]byte(surveyTemplate), "buildings", []int{1}, nil)
	require.NoError(t, err)
	b, err := Specialize([]byte(surveyTemplate), "buildings", []int{1}, nil)
	require.NoError(t, err)

	idA := load(t, a).FindElement("//data").SelectAttrValue("id", "")
	idB := load(t, b).FindElement("//data").SelectAttrValue("id", "")
	assert.NotEqual(t, "template_form", idA)
	assert.NotEqual(t, idA, idB)
}

func TestSpecialize_PrefixedNamespace(t *testing.T) {
	form := `<h:html xmlns:h="http://www.w3.org/1999/xhtml" xmlns:xf="http://www.w3.org/2002/xforms">
  <h:head>
    <xf:model>
      <xf:instance><xf:data id="x"/></xf:instance>
    </xf:model>
  </h:head>
</h:html>`
	out, err := Specialize([]byte(form), "trees", []int{9}, fixedID)
	require.NoError(t, err)
	root := load(t, out)

	inst := root.FindElement("//instance[@id='task_id']")
	require.NotNil(t, inst)
	assert.Equal(t, "xf", inst.Space)
	assert.Equal(t, NSXForms, inst.NamespaceURI())
	assert.Equal(t, fixedID(), root.FindElement("//data").SelectAttrValue("id", ""))
}

func TestSpecialize_WrongNamespaceIgnored(t *testing.T) {
	form := `<html><head><title>t</title><model><instance><data id="x"/></instance></model></head></html>`
	out, err := Specialize([]byte(form), "trees", []int{1}, fixedID)
	require.NoError(t, err)
	root := load(t, out)

	assert.Equal(t, "x", root.FindElement("//data").SelectAttrValue("id", ""))
	assert.Equal(t, "t", root.FindElement("//title").Text())
	assert.Nil(t, root.FindElement("//instance[@id='task_id']"))
}

func TestSpecialize_InvalidXML(t *testing.T) {
	_, err := Specialize([]byte("<h:html><unclosed>"), "x", nil, nil)
	assert.ErrorIs(t, err, ErrParse)
	assert.ErrorIs(t, err, errdefs.ErrParse)

	_, err = Specialize([]byte(""), "x", nil, nil)
	assert.ErrorIs(t, err, ErrParse)
}

func TestUpdateEntityRegistration(t *testing.T) {
	out, err := UpdateEntityRegistration([]byte(surveyTemplate), "buildings")
	require.NoError(t, err)
	root := load(t, out)

	assert.Equal(t, "buildings", root.FindElement("//entity").SelectAttrValue("dataset", ""))
	assert.Equal(t, "jr://file-csv/buildings.csv", root.FindElement("//instance[@id='features']").SelectAttrValue("src", ""))
	// only csv attachments are renamed here
	assert.Equal(t, "jr://file/extra.geojson", root.FindElement("//instance[@id='extra']").SelectAttrValue("src", ""))
}

func TestValidate(t *testing.T) {
	media, err := Validate([]byte(surveyTemplate))
	require.NoError(t, err)
	assert.Equal(t, []string{"features"}, media)

	noCSV := `<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml"><h:head><model><instance><data id="x"/></instance></model></h:head></h:html>`
	_, err = Validate([]byte(noCSV))
	assert.ErrorIs(t, err, ErrNoCSVMedia)
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = Validate([]byte("not xml <"))
	assert.ErrorIs(t, err, errdefs.ErrParse)
}

func TestValidateFile(t *testing.T) {
	media, err := ValidateFile("Survey.XML", []byte(surveyTemplate))
	require.NoError(t, err)
	assert.Equal(t, []string{"features"}, media)

	for _, name := range []string{"form.xls", "form.xlsx", "form"} {
		_, err := ValidateFile(name, []byte(surveyTemplate))
		assert.ErrorIs(t, err, ErrUnsupportedFormat, name)
	}
}
