// Command ecgtool manages model artifacts and runs offline predictions.
//
//	ecgtool pack     -in export.json -out models/PCA_ECG.bin
//	ecgtool inspect  -projection models/PCA_ECG.bin [-classifier models/classifier.json]
//	ecgtool predict  -image printout.png | -leads leads.json
//	ecgtool history  -data data -limit 20
//	ecgtool plot     -data data -id <record> -lead II -out II.png
//	ecgtool crops    -image printout.png -out crops/
//	ecgtool evaluate -manifest labels.csv | -samples-file samples.json | -history data
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ecg-diagnosis/internal/common"
	"ecg-diagnosis/internal/evaluate"
	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pca"
	"ecg-diagnosis/internal/pipeline"
	"ecg-diagnosis/internal/render"
	"ecg-diagnosis/internal/signal"
	"ecg-diagnosis/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "pack":
		err = runPack(args, os.Stdout)
	case "inspect":
		err = runInspect(args, os.Stdout)
	case "predict":
		err = runPredict(args, os.Stdout)
	case "history":
		err = runHistory(args, os.Stdout)
	case "plot":
		err = runPlot(args)
	case "crops":
		err = runCrops(args, os.Stdout)
	case "evaluate":
		err = runEvaluate(args, os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("ecgtool failed")
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: ecgtool <pack|inspect|predict|history|plot|crops|evaluate> [flags]")
}

// runPack converts a JSON projection export into the binary artifact.
func runPack(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	in := fs.String("in", "", "JSON export with mean and components")
	dst := fs.String("out", common.DefaultProjectionPath, "Binary artifact to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("-in is required")
	}

	f, err := os.Open(*in)
	if err != nil {
		return fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	model, err := pca.ReadExport(f)
	if err != nil {
		return err
	}
	if err := model.Save(*dst); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	fmt.Fprintf(out, "packed %s -> %s (%d features x %d components)\n",
		*in, *dst, model.ExpectedFeatures(), model.Components())
	return nil
}

// runInspect prints the shape of the artifacts and checks they fit together.
func runInspect(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	projPath := fs.String("projection", common.DefaultProjectionPath, "Projection artifact")
	clfPath := fs.String("classifier", "", "Linear classifier artifact (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	model, err := pca.Load(*projPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== Projection ===")
	fmt.Fprintf(out, "Path:       %s\n", *projPath)
	fmt.Fprintf(out, "Features:   %d\n", model.ExpectedFeatures())
	fmt.Fprintf(out, "Components: %d\n", model.Components())
	for _, includeLong := range []bool{false, true} {
		if n := len(signal.NewStandardBuilder(includeLong).Leads()); model.ExpectedFeatures()%n == 0 {
			fmt.Fprintf(out, "Layout:     %d leads x %d samples\n", n, model.ExpectedFeatures()/n)
		}
	}

	if *clfPath == "" {
		return nil
	}
	clf, err := ml.LoadLinear(*clfPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== Classifier ===")
	fmt.Fprintf(out, "Path:       %s\n", *clfPath)
	fmt.Fprintf(out, "Version:    %s\n", clf.Version())
	fmt.Fprintf(out, "Classes:    %v\n", clf.Classes())
	fmt.Fprintf(out, "Input:      %d\n", clf.InputWidth())
	if clf.InputWidth() != model.Components() {
		return &pca.FeatureMismatchError{Expected: clf.InputWidth(), Actual: model.Components()}
	}
	fmt.Fprintln(out, "Projection and classifier are compatible")
	return nil
}

// runPredict runs one image or JSON lead file through the full pipeline.
func runPredict(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	projPath := fs.String("projection", common.DefaultProjectionPath, "Projection artifact")
	clfPath := fs.String("classifier", common.DefaultClassifierPath, "Linear classifier artifact")
	imagePath := fs.String("image", "", "ECG printout image (PNG or JPEG)")
	leadsPath := fs.String("leads", "", "JSON file with a list of {name, samples} leads")
	samples := fs.Int("samples", common.DefaultSamplesPerLead, "Samples per extracted lead")
	includeLong := fs.Bool("long", false, "Include the long rhythm lead")
	timeout := fs.Duration("timeout", common.DefaultRequestTimeout, "Prediction timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*imagePath == "") == (*leadsPath == "") {
		return fmt.Errorf("exactly one of -image or -leads is required")
	}

	clf, err := ml.LoadLinear(*clfPath)
	if err != nil {
		return err
	}
	p, err := pipeline.Load(*projPath, signal.NewStandardBuilder(*includeLong), clf, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	obs := func(ev pipeline.StageEvent) {
		log.Info().Str("stage", string(ev.Stage)).Float64("elapsed_ms", ev.ElapsedMS).Str("detail", ev.Detail).Msg("stage done")
	}

	var res *pipeline.Result
	if *imagePath != "" {
		f, err := os.Open(*imagePath)
		if err != nil {
			return fmt.Errorf("open image: %w", err)
		}
		defer f.Close()
		img, err := extract.Decode(f)
		if err != nil {
			return err
		}
		p = p.WithExtractor(extract.NewGridExtractor(*samples, *includeLong))
		res, err = p.RunImage(ctx, img, obs)
		if err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(*leadsPath)
		if err != nil {
			return fmt.Errorf("read leads: %w", err)
		}
		var leads []signal.LeadSignal
		if err := json.Unmarshal(data, &leads); err != nil {
			return fmt.Errorf("decode leads: %w", err)
		}
		res, err = p.Run(ctx, leads, obs)
		if err != nil {
			return err
		}
	}

	fmt.Fprintln(out, res.Prediction.Message())
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// runHistory lists stored predictions, newest first.
func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dataPath := fs.String("data", common.DefaultDataPath, "History data directory")
	limit := fs.Int("limit", 20, "Maximum records to list")
	since := fs.Duration("since", 0, "Only records newer than this (e.g. 24h)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.New(*dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var records []storage.Record
	if *since > 0 {
		now := time.Now()
		records, err = store.RecordsInRange(now.Add(-*since), now)
		// Range results are oldest first
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
		if len(records) > *limit {
			records = records[:*limit]
		}
	} else {
		records, err = store.ListRecords(*limit)
	}
	if err != nil {
		return err
	}

	total, err := store.Count()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d records\n", len(records), total)
	for _, r := range records {
		fmt.Fprintf(out, "%s  %s  %-8s  %-30s  %.3f\n",
			r.CreatedAt.Format(time.RFC3339), r.ID, r.Source, r.Label, r.Confidence)
	}
	return nil
}

// runPlot writes a PNG plot of one stored lead.
func runPlot(args []string) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	dataPath := fs.String("data", common.DefaultDataPath, "History data directory")
	id := fs.String("id", "", "Record id")
	lead := fs.String("lead", common.LeadII, "Lead name")
	dst := fs.String("out", "", "Output PNG (default <id>_<lead>.png)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	if *dst == "" {
		*dst = fmt.Sprintf("%s_%s.png", *id, *lead)
	}

	store, err := storage.New(*dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	l, err := store.GetLead(*id, *lead)
	if err != nil {
		return err
	}

	f, err := os.Create(*dst)
	if err != nil {
		return err
	}
	if err := render.LeadPNG(f, l, 0, 0); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info().Str("out", *dst).Msg("plot written")
	return nil
}

// runCrops writes the preprocessed region of every lead as PNG, for checking
// that the grid lines up with a printout.
func runCrops(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("crops", flag.ContinueOnError)
	imagePath := fs.String("image", "", "ECG printout image (PNG or JPEG)")
	dst := fs.String("out", "crops", "Output directory")
	includeLong := fs.Bool("long", false, "Include the long rhythm lead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" {
		return fmt.Errorf("-image is required")
	}

	f, err := os.Open(*imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	img, err := extract.Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*dst, 0o755); err != nil {
		return err
	}
	crops := extract.NewGridExtractor(common.DefaultSamplesPerLead, *includeLong).Crops(img)
	names := make([]string, 0, len(crops))
	for name := range crops {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(*dst, name+".png")
		cf, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := extract.EncodePNG(cf, crops[name]); err != nil {
			cf.Close()
			return err
		}
		if err := cf.Close(); err != nil {
			return err
		}
		fmt.Fprintln(out, path)
	}
	return nil
}

// runEvaluate scores the pipeline against labeled samples and writes reports.
func runEvaluate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	projPath := fs.String("projection", common.DefaultProjectionPath, "Projection artifact")
	clfPath := fs.String("classifier", common.DefaultClassifierPath, "Linear classifier artifact")
	manifest := fs.String("manifest", "", "CSV manifest with image and label columns")
	samplesFile := fs.String("samples-file", "", "JSON samples with label and leads")
	historyPath := fs.String("history", "", "History data directory to re-score")
	since := fs.Duration("since", 30*24*time.Hour, "History window when -history is set")
	outputPath := fs.String("out", "", "Directory for report files (summary only when empty)")
	samples := fs.Int("samples", common.DefaultSamplesPerLead, "Samples per extracted lead")
	includeLong := fs.Bool("long", false, "Include the long rhythm lead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *manifest == "" && *samplesFile == "" && *historyPath == "" {
		return fmt.Errorf("one of -manifest, -samples-file or -history is required")
	}

	clf, err := ml.LoadLinear(*clfPath)
	if err != nil {
		return err
	}
	p, err := pipeline.Load(*projPath, signal.NewStandardBuilder(*includeLong), clf, nil)
	if err != nil {
		return err
	}
	p = p.WithExtractor(extract.NewGridExtractor(*samples, *includeLong))

	loader := evaluate.NewDataLoader()
	if *manifest != "" {
		if err := loader.LoadFromCSV(*manifest); err != nil {
			return err
		}
	}
	if *samplesFile != "" {
		if err := loader.LoadFromJSON(*samplesFile); err != nil {
			return err
		}
	}
	if *historyPath != "" {
		store, err := storage.New(*historyPath)
		if err != nil {
			return err
		}
		now := time.Now()
		err = loader.LoadFromHistory(store, now.Add(-*since), now)
		store.Close()
		if err != nil {
			return err
		}
	}

	engine := evaluate.NewEngine(p, loader)
	if err := engine.Run(context.Background()); err != nil {
		return err
	}

	reporter := evaluate.NewReporter(engine.Results(), *outputPath)
	if *outputPath != "" {
		if err := reporter.GenerateReport(); err != nil {
			return err
		}
	}
	reporter.PrintSummary(out)
	return nil
}
