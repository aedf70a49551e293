// Package xform rewrites ODK XForm templates for a project: form id, title,
// attachment names, task choices and entity dataset.
//
// Elements are matched by namespace URI, so templates may use any prefixes.
package xform

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"fmtmgo/pkg/errdefs"
)

// Namespace URIs used by ODK forms.
const (
	NSXHTML    = "http://www.w3.org/1999/xhtml"
	NSXForms   = "http://www.w3.org/2002/xforms"
	NSODK      = "http://www.opendatakit.org/xforms"
	NSJavaRosa = "http://openrosa.org/javarosa"
	NSEntities = "http://www.opendatakit.org/xforms/entities"
)

const (
	taskInstanceID   = "task_id"
	categoryNodeset  = "/data/all/form_category"
	placeholderText  = "task_id-0"
	csvMediaTemplate = "jr://file-csv/%s.csv"
)

var (
	// ErrParse is returned for templates that are not well-formed XML.
	ErrParse = fmt.Errorf("%w: error parsing xform xml", errdefs.ErrParse)
	// ErrNoCSVMedia is returned by Validate for forms without CSV attachments.
	ErrNoCSVMedia = fmt.Errorf("%w: The form has no select_one_from_file or select_multiple_from_file field defined for a CSV.", errdefs.ErrValidation)
	// ErrUnsupportedFormat is returned for spreadsheet forms.
	ErrUnsupportedFormat = fmt.Errorf("%w: only .xml forms are supported, convert XLSForms to XForm first", errdefs.ErrValidation)
)

// IDGenerator returns a new unique form id.
type IDGenerator func() string

// Specialize rewrites a survey form template for a category and its tasks:
//   - every data element with an id gets a fresh id from ids
//   - the title becomes category
//   - .csv and .geojson instance attachments point at {category}.csv
//   - the task_id choice instance lists one item per task id
//   - every itext translation gets a matching task_id-{index} text
//   - the form_category bind calculates to category
//
// Elements missing from the template are skipped. A nil ids uses random UUIDs.
func Specialize(template []byte, category string, taskIDs []int, ids IDGenerator) ([]byte, error) {
	if ids == nil {
		ids = uuid.NewString
	}
	doc, err := parse(template)
	if err != nil {
		return nil, err
	}
	root := doc.Root()

	formID := ids()
	for _, e := range find(root, "//data[@id]", NSXForms) {
		e.CreateAttr("id", formID)
	}

	if title := findOne(root, "//title", NSXHTML); title != nil {
		title.SetText(category)
	}

	for _, inst := range find(root, "//instance[@src]", NSXForms) {
		src := inst.SelectAttrValue("src", "")
		if strings.HasSuffix(src, ".csv") || strings.HasSuffix(src, ".geojson") {
			inst.CreateAttr("src", fmt.Sprintf(csvMediaTemplate, category))
		}
	}

	if model := findOne(root, "//model", NSXForms); model != nil {
		replaceTaskInstance(model, taskIDs)
	}

	if itext := findOne(root, "//itext", NSXForms); itext != nil {
		for _, tr := range find(itext, ".//translation", NSXForms) {
			for _, old := range find(tr, ".//text[@id='"+placeholderText+"']", NSXForms) {
				old.Parent().RemoveChild(old)
			}
			for i, id := range taskIDs {
				text := createChild(tr, "text")
				text.CreateAttr("id", taskTextID(i))
				createChild(text, "value").SetText(strconv.Itoa(id))
			}
		}
	}

	if bind := findOne(root, "//bind[@nodeset='"+categoryNodeset+"']", NSXForms); bind != nil {
		bind.CreateAttr("calculate", fmt.Sprintf("once('%s')", category))
	}

	return write(doc)
}

// replaceTaskInstance drops any task_id instance under model and appends a
// new one with an item per task.
func replaceTaskInstance(model *etree.Element, taskIDs []int) {
	for _, old := range find(model, ".//instance[@id='"+taskInstanceID+"']", NSXForms) {
		old.Parent().RemoveChild(old)
	}

	inst := createChild(model, "instance")
	inst.CreateAttr("id", taskInstanceID)
	root := createChild(inst, "root")
	for i, id := range taskIDs {
		item := createChild(root, "item")
		createChild(item, "itextId").SetText(taskTextID(i))
		createChild(item, "name").SetText(strconv.Itoa(id))
	}
}

func taskTextID(i int) string {
	return "task_id-" + strconv.Itoa(i)
}

// UpdateEntityRegistration names the entity dataset after category and
// points .csv attachments at {category}.csv.
func UpdateEntityRegistration(template []byte, category string) ([]byte, error) {
	doc, err := parse(template)
	if err != nil {
		return nil, err
	}
	root := doc.Root()

	for _, ns := range []string{NSEntities, NSXForms} {
		for _, e := range find(root, "//entity[@dataset]", ns) {
			e.CreateAttr("dataset", category)
		}
	}
	for _, inst := range find(root, "//instance[@src]", NSXForms) {
		if strings.HasSuffix(inst.SelectAttrValue("src", ""), ".csv") {
			inst.CreateAttr("src", fmt.Sprintf(csvMediaTemplate, category))
		}
	}
	return write(doc)
}

// Validate checks that the form parses and references at least one CSV
// attachment. It returns the attachment names without extension.
func Validate(form []byte) ([]string, error) {
	doc, err := parse(form)
	if err != nil {
		return nil, err
	}

	var media []string
	for _, inst := range find(doc.Root(), "//instance[@src]", NSXForms) {
		src := inst.SelectAttrValue("src", "")
		if !strings.HasSuffix(src, ".csv") {
			continue
		}
		base := path.Base(src)
		media = append(media, strings.TrimSuffix(base, path.Ext(base)))
	}
	if len(media) == 0 {
		return nil, ErrNoCSVMedia
	}
	return media, nil
}

// ValidateFile is Validate for an uploaded file, rejecting spreadsheet forms.
func ValidateFile(name string, data []byte) ([]string, error) {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".xml":
		return Validate(data)
	default:
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedFormat, ext)
	}
}

func parse(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrParse)
	}
	return doc, nil
}

func write(doc *etree.Document) ([]byte, error) {
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write xform: %w", err)
	}
	return out, nil
}

// find selects elements by path, keeping those in namespace ns.
func find(e *etree.Element, p, ns string) []*etree.Element {
	return e.FindElements(p + "[namespace-uri()='" + ns + "']")
}

func findOne(e *etree.Element, p, ns string) *etree.Element {
	return e.FindElement(p + "[namespace-uri()='" + ns + "']")
}

// createChild adds an element in the parent's namespace prefix.
func createChild(parent *etree.Element, tag string) *etree.Element {
	if parent.Space != "" {
		tag = parent.Space + ":" + tag
	}
	return parent.CreateElement(tag)
}
