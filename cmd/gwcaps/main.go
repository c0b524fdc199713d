package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/jxskiss/mcli"
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/gwxlate/pkg/api"
	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/engine"
	"github.com/jxskiss/gwxlate/pkg/ir"
)

func main() {
	zlog.SetDevelopment()
	defer zlog.Sync()

	app := mcli.NewApp()
	app.Add("caps list", listCapabilities, "List targets with their capability counts")
	app.Add("caps show", showCapabilities, "Show the capability table of one target")
	app.Add("caps matrix", showMatrix, "Show the feature by target support matrix")
	app.Add("report", dryRunReport, "Print the compatibility reports of a topology without writing artifacts")
	app.Run()
}

func listCapabilities(ctx *mcli.Context) {
	ctx.Parse(nil)
	if err := writeTargets(os.Stdout, engine.Default()); err != nil {
		zlog.Fatalf("failed list targets: %v", err)
	}
}

func showCapabilities(ctx *mcli.Context) {
	var args struct {
		Target string `cli:"#R, -t, --target, target name or alias"`
		Format string `cli:"-f, --format, output format, text or yaml" default:"text"`
	}
	ctx.Parse(&args)
	target, err := capability.ParseTarget(args.Target)
	if err != nil {
		zlog.Fatalf("%v", err)
	}
	if err = writeTable(os.Stdout, engine.Default().Capabilities(), target, args.Format); err != nil {
		zlog.Fatalf("failed show capabilities: %v", err)
	}
}

func showMatrix(ctx *mcli.Context) {
	ctx.Parse(nil)
	if err := writeMatrix(os.Stdout, engine.Default().Capabilities()); err != nil {
		zlog.Fatalf("failed show matrix: %v", err)
	}
}

func dryRunReport(ctx *mcli.Context) {
	var args struct {
		Config  string   `cli:"#R, -c, --config, topology document"`
		Targets []string `cli:"-t, --target, restrict to these targets, may be repeated"`
	}
	ctx.Parse(&args)
	doc, err := api.LoadFile(args.Config)
	if err != nil {
		zlog.Fatalf("failed load topology: %v", err)
	}
	topo, err := doc.ToTopology()
	if err != nil {
		zlog.Fatalf("invalid topology: %v", err)
	}
	var targets []capability.Target
	for _, name := range args.Targets {
		t, err := capability.ParseTarget(name)
		if err != nil {
			zlog.Fatalf("%v", err)
		}
		targets = append(targets, t)
	}
	failed, err := writeReports(context.Background(), os.Stdout, engine.Default(), topo, targets)
	if err != nil {
		zlog.Fatalf("failed export: %v", err)
	}
	if failed {
		os.Exit(1)
	}
}

func writeTargets(w io.Writer, reg *engine.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tNATIVE\tAPPROXIMATED\tUNSUPPORTED\tFILES")
	for _, t := range reg.Targets() {
		p, err := reg.Provider(t)
		if err != nil {
			return err
		}
		n := reg.Capabilities().Count(t)
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", t,
			n[capability.Native], n[capability.Approximated], n[capability.Unsupported],
			strings.Join(p.Files, ","))
	}
	return tw.Flush()
}

func writeTable(w io.Writer, caps *capability.Registry, target capability.Target, format string) error {
	entries := caps.Entries(target)
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
	default:
		return errors.Errorf("unknown format %q", format)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tLEVEL\tNOTE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Feature, e.Level, e.Note())
	}
	return tw.Flush()
}

var levelMarks = map[capability.Level]string{
	capability.Native:       "N",
	capability.Approximated: "~",
	capability.Unsupported:  "-",
}

func writeMatrix(w io.Writer, caps *capability.Registry) error {
	targets := caps.Targets()
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprint(tw, "FEATURE")
	for _, t := range targets {
		fmt.Fprintf(tw, "\t%s", t)
	}
	fmt.Fprintln(tw)
	for _, f := range capability.AllFeatures {
		fmt.Fprint(tw, f)
		for _, t := range targets {
			fmt.Fprintf(tw, "\t%s", levelMarks[caps.Lookup(t, f).Level])
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "\nN native, ~ approximated, - unsupported")
	return err
}

// writeReports exports topo to targets and prints every report. It
// tells whether any report has errors.
func writeReports(ctx context.Context, w io.Writer, reg *engine.Registry, topo *ir.Topology, targets []capability.Target) (bool, error) {
	results, err := reg.ExportAll(ctx, topo, targets...)
	if err != nil {
		return false, err
	}
	failed := false
	for i, res := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, res.Report.String())
		failed = failed || res.Report.HasErrors()
	}
	return failed, nil
}
