// Command fmtmctl converts geodata files and splits project areas into
// tasks without a running server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/central"
	"fmtmgo/pkg/extract"
	"fmtmgo/pkg/fgb"
	"fmtmgo/pkg/geo"
	"fmtmgo/pkg/split"
)

const usage = `usage: fmtmctl <command> [flags]

commands:
  convert  -input FILE -output FILE
           input: .shp .osm .geojson .json .fgb
           output: .geojson .fgb .csv
  split    -boundary FILE -output FILE [-extract FILE] [-dimension M] [-count N]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:], logger)
	case "split":
		err = runSplit(context.Background(), os.Args[2:], logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fmtmctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func runConvert(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	inputPath := fs.String("input", "", "Path to input file")
	outputPath := fs.String("output", "", "Path to output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inputPath == "" || *outputPath == "" {
		fs.Usage()
		return errors.New("input and output paths are required")
	}

	fc, err := readFeatures(*inputPath)
	if err != nil {
		return err
	}
	if err := writeFeatures(*outputPath, fc); err != nil {
		return err
	}
	logger.Info("Converted", "input", *inputPath, "output", *outputPath, "features", len(fc.Features))
	return nil
}

func runSplit(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	boundaryPath := fs.String("boundary", "", "Project area GeoJSON")
	extractPath := fs.String("extract", "", "Optional data extract (any convert input)")
	dimension := fs.Float64("dimension", 100, "Square edge length in meters")
	count := fs.Int("count", 50, "Target features per task when an extract is given")
	outputPath := fs.String("output", "", "Output task GeoJSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *boundaryPath == "" || *outputPath == "" {
		fs.Usage()
		return errors.New("boundary and output paths are required")
	}

	raw, err := os.ReadFile(*boundaryPath)
	if err != nil {
		return fmt.Errorf("failed to read boundary: %w", err)
	}
	boundary, err := readBoundary(logger, raw)
	if err != nil {
		return err
	}

	splitter := split.New(nil, logger)

	if *extractPath == "" {
		tasks, err := splitter.BySquare(ctx, boundary, *dimension)
		if err != nil {
			return err
		}
		logger.Info("Split by square", "tasks", len(tasks.Features))
		return writeFeatures(*outputPath, tasks)
	}

	features, err := readFeatures(*extractPath)
	if err != nil {
		return err
	}
	if err := geo.CheckCRS(features); err != nil {
		return err
	}
	res, err := splitter.ByFeatureCount(ctx, 0, boundary, features, *count)
	if err != nil {
		return err
	}

	out := res.TaskCollection()
	for i, f := range out.Features {
		if fc := res.Features[i+1]; fc != nil {
			f.Properties["feature_count"] = len(fc.Features)
		} else {
			f.Properties["feature_count"] = 0
		}
	}
	logger.Info("Split by feature count", "tasks", len(out.Features), "features", len(features.Features))
	return writeFeatures(*outputPath, out)
}

func readBoundary(logger *slog.Logger, raw []byte) (orb.Polygon, error) {
	if err := geo.CheckCRSBytes(raw); err != nil {
		return nil, err
	}
	fc, err := geo.Normalize(raw, false)
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, geo.ErrNoFeatures
	}
	merged, err := geo.MergeMultipolygon(logger, fc)
	if err != nil {
		return nil, err
	}
	return merged.Features[0].Geometry.(orb.Polygon), nil
}

// readFeatures loads any supported format into a normalized collection.
func readFeatures(path string) (*geojson.FeatureCollection, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".shp" {
		return extract.FromShapefile(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch ext {
	case ".osm":
		return extract.FromOSMXML(data)
	case ".fgb":
		fc, err := fgb.Decode(data)
		if err != nil {
			return nil, err
		}
		if fc == nil {
			return nil, geo.ErrNoFeatures
		}
		return fc, nil
	case ".geojson", ".json":
		fc, err := geo.Normalize(data, false)
		if err != nil {
			return nil, err
		}
		if fc == nil {
			return nil, geo.ErrNoFeatures
		}
		return fc, nil
	default:
		return nil, fmt.Errorf("unsupported input format %q", ext)
	}
}

func writeFeatures(path string, fc *geojson.FeatureCollection) error {
	var (
		data []byte
		err  error
	)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fgb":
		data, err = fgb.Encode(geo.AddRequiredProperties(fc, rng, nil))
	case ".csv":
		data, err = central.GeoJSONToCSV(geo.AddRequiredProperties(fc, rng, nil))
	case ".geojson", ".json":
		data, err = json.MarshalIndent(fc, "", "  ")
	default:
		return fmt.Errorf("unsupported output format %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
