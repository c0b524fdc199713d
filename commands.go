package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/easy"
	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/gwxlate/pkg/api"
	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/engine"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/report"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

var (
	configFlag = &cli.StringFlag{
		Name: "config", Aliases: []string{"c"}, Required: true,
		Usage: "topology document to translate",
	}
	providerFlag = &cli.StringFlag{
		Name: "provider", Aliases: []string{"p"},
		Usage: "target gateway, see the targets command",
	}
	strictFlag = &cli.BoolFlag{
		Name:  "strict",
		Usage: "fail on warnings as well as errors",
	}
	reportFormatFlag = &cli.StringFlag{
		Name: "report-format", Value: "text",
		Usage: "compatibility report format, text or yaml",
	}
)

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:   "generate",
		Usage:  "Generate the configuration of one target gateway",
		Action: generateAction,
		Flags: []cli.Flag{
			configFlag,
			providerFlag,
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory, or file for single-file targets"},
			strictFlag,
			reportFormatFlag,
		},
	}
}

func generateAction(c *cli.Context) error {
	cfg := settings(c)
	doc, topo, err := loadTopology(c, c.String("config"))
	if err != nil {
		return err
	}
	target, err := resolveTarget(c, doc)
	if err != nil {
		return err
	}
	res, err := engine.Default().Export(topo, target)
	if err != nil {
		return err
	}
	if err = printReport(c.App.Writer, res.Report, c.String("report-format")); err != nil {
		return err
	}
	if err = checkReport(res.Report, c.Bool("strict") || cfg.FailOnWarnings); err != nil {
		return err
	}

	output := c.String("output")
	if output == "" {
		output = filepath.Join(cfg.OutputDir, string(target))
	}
	paths, err := writeArtifact(res.Artifact, output)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintf(c.App.Writer, "wrote %s\n", p)
	}
	zlog.Infof("generated %s configuration, digest %s", target, res.Artifact.DigestHex())
	return nil
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:   "import",
		Usage:  "Import a gateway configuration into a topology document",
		Action: importAction,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Required: true, Usage: "configuration file or directory"},
			providerFlag,
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "-", Usage: "topology document to write, - for stdout"},
			strictFlag,
			reportFormatFlag,
		},
	}
}

func importAction(c *cli.Context) error {
	cfg := settings(c)
	target, err := cfg.Target(c.String("provider"))
	if err != nil {
		return err
	}
	reg := engine.Default()
	input := c.String("input")
	art, err := reg.ReadArtifact(target, input)
	if err != nil {
		return err
	}
	res, err := reg.Import(target, art)
	if err != nil {
		return err
	}

	output := c.String("output")
	reportOut := c.App.Writer
	if output == "-" {
		reportOut = c.App.ErrWriter
	}
	if err = printReport(reportOut, res.Report, c.String("report-format")); err != nil {
		return err
	}
	if res.Topology == nil {
		return cli.Exit("nothing could be imported", 1)
	}

	data, err := api.Marshal(api.FromTopology(res.Topology, target),
		fmt.Sprintf("Imported from the %s configuration %s.", target, filepath.Base(input)))
	if err != nil {
		return err
	}
	if output == "-" {
		_, err = c.App.Writer.Write(data)
		return err
	}
	if err = easy.WriteFile(output, data, 0o644); err != nil {
		return errors.WithMessagef(err, "write %s", output)
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", output)
	if len(res.Unrecognized) > 0 {
		fragFile := strings.TrimSuffix(output, filepath.Ext(output)) + ".unrecognized.yaml"
		fragData, err := xlate.EncodeYAML(res.Unrecognized, "Constructs of the source configuration that have no equivalent.")
		if err != nil {
			return err
		}
		if err = easy.WriteFile(fragFile, fragData, 0o644); err != nil {
			return errors.WithMessagef(err, "write %s", fragFile)
		}
		fmt.Fprintf(c.App.Writer, "wrote %s\n", fragFile)
	}
	return checkReport(res.Report, c.Bool("strict"))
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:   "validate",
		Usage:  "Validate a topology document, optionally against one target",
		Action: validateAction,
		Flags: []cli.Flag{
			configFlag,
			providerFlag,
			reportFormatFlag,
		},
	}
}

func validateAction(c *cli.Context) error {
	_, topo, err := loadTopology(c, c.String("config"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: %d service(s), %d route(s), valid\n",
		c.String("config"), len(topo.Services), topo.RouteCount())
	if c.String("provider") == "" {
		return nil
	}
	target, err := capability.ParseTarget(c.String("provider"))
	if err != nil {
		return err
	}
	rep, err := engine.Default().Validate(topo, target)
	if err != nil {
		return err
	}
	if err = printReport(c.App.Writer, rep, c.String("report-format")); err != nil {
		return err
	}
	return checkReport(rep, false)
}

func generateAllCommand() *cli.Command {
	return &cli.Command{
		Name:   "generate-all",
		Usage:  "Generate the configuration of every target gateway",
		Action: generateAllAction,
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory, one sub-directory per target"},
			&cli.StringSliceFlag{Name: "targets", Aliases: []string{"t"}, Usage: "restrict to these targets"},
			strictFlag,
		},
	}
}

func generateAllAction(c *cli.Context) error {
	cfg := settings(c)
	_, topo, err := loadTopology(c, c.String("config"))
	if err != nil {
		return err
	}
	var targets []capability.Target
	for _, name := range c.StringSlice("targets") {
		t, err := capability.ParseTarget(name)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	results, err := engine.Default().ExportAll(c.Context, topo, targets...)
	if err != nil {
		return err
	}

	output := c.String("output")
	if output == "" {
		output = cfg.OutputDir
	}
	strict := c.Bool("strict") || cfg.FailOnWarnings
	failed := 0
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tERRORS\tWARNINGS\tINFOS\tFILES\tDIGEST\tSTATUS")
	for _, res := range results {
		rep := res.Report
		status := "written"
		if err := checkReport(rep, strict); err != nil {
			status = "skipped"
			failed++
		} else if _, err := engine.WriteArtifact(res.Artifact, filepath.Join(output, string(res.Target))); err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n", res.Target,
			rep.Count(report.Error), rep.Count(report.Warning), rep.Count(report.Info),
			strings.Join(res.Artifact.Names(), ","), res.Artifact.DigestHex(), status)
	}
	if err = tw.Flush(); err != nil {
		return err
	}
	for _, res := range results {
		if res.Report.Len() > 0 {
			fmt.Fprintln(c.App.Writer)
			fmt.Fprintln(c.App.Writer, res.Report.String())
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d target(s) skipped", failed), 1)
	}
	return nil
}

func targetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "targets",
		Usage: "List the supported target gateways",
		Action: func(c *cli.Context) error {
			reg := engine.Default()
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tFILES\tNATIVE\tAPPROXIMATED\tUNSUPPORTED\tDESCRIPTION")
			for _, t := range reg.Targets() {
				p, _ := reg.Provider(t)
				n := reg.Capabilities().Count(t)
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", t, strings.Join(p.Files, ","),
					n[capability.Native], n[capability.Approximated], n[capability.Unsupported], p.Description)
			}
			return tw.Flush()
		},
	}
}

// loadTopology reads and validates a topology document. Validation
// errors are printed one per line.
func loadTopology(c *cli.Context, path string) (*api.Document, *ir.Topology, error) {
	doc, err := api.LoadFile(path)
	if err == nil {
		var topo *ir.Topology
		topo, err = doc.ToTopology()
		if err == nil {
			return doc, topo, nil
		}
	}
	var verrs ir.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			fmt.Fprintln(c.App.ErrWriter, "invalid:", e.Error())
		}
		return nil, nil, cli.Exit(fmt.Sprintf("%s: %d validation error(s)", path, len(verrs)), 1)
	}
	return nil, nil, err
}

// resolveTarget picks the --provider flag, then the document selector,
// then the configured default.
func resolveTarget(c *cli.Context, doc *api.Document) (capability.Target, error) {
	if name := c.String("provider"); name != "" {
		return capability.ParseTarget(name)
	}
	t, err := doc.Target()
	if err != nil || t != "" {
		return t, err
	}
	return settings(c).Target("")
}

func printReport(w io.Writer, rep *report.Report, format string) error {
	switch format {
	case "", "text":
		_, err := fmt.Fprintln(w, rep.String())
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	}
	return errors.Errorf("unknown report format %q", format)
}

// checkReport returns an exit error when rep has errors, or warnings
// in strict mode.
func checkReport(rep *report.Report, strict bool) error {
	if rep.HasErrors() {
		return cli.Exit(fmt.Sprintf("%s: %d error(s)", rep.Target, rep.Count(report.Error)), 1)
	}
	if strict && rep.HasWarnings() {
		return cli.Exit(fmt.Sprintf("%s: %d warning(s) in strict mode", rep.Target, rep.Count(report.Warning)), 1)
	}
	return nil
}

// writeArtifact writes a single-file artifact to output when output
// looks like a file name, otherwise every file under the directory
// output.
func writeArtifact(art *xlate.Artifact, output string) ([]string, error) {
	if len(art.Files) == 1 && filepath.Ext(output) != "" {
		if st, err := os.Stat(output); err != nil || !st.IsDir() {
			if err := easy.WriteFile(output, art.Files[0].Content, 0o644); err != nil {
				return nil, errors.WithMessagef(err, "write %s", output)
			}
			return []string{output}, nil
		}
	}
	return engine.WriteArtifact(art, output)
}
