package capability

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/jholhewres/pocketclaw/capability")

// ErrCapabilityMissing marks a group that resolved to zero operations. It is
// reported, never returned.
var ErrCapabilityMissing = errors.New("capability has no resolvable operations")

// Source is the provider side of capability assembly. Group arguments are
// provider slugs.
type Source interface {
	DefaultOperations(ctx context.Context, group string) ([]Descriptor, error)
	Operations(ctx context.Context, slugs []string) ([]Descriptor, error)
}

// ToolSet is the ordered, deduplicated set of operations for one turn.
type ToolSet []Operation

// Has reports whether slug is in the set.
func (ts ToolSet) Has(slug string) bool {
	for _, op := range ts {
		if op.Slug == slug {
			return true
		}
	}
	return false
}

// Find returns the operation with the given slug.
func (ts ToolSet) Find(slug string) (Operation, bool) {
	for _, op := range ts {
		if op.Slug == slug {
			return op, true
		}
	}
	return Operation{}, false
}

// Slugs returns operation slugs in order.
func (ts ToolSet) Slugs() []string {
	out := make([]string, len(ts))
	for i, op := range ts {
		out[i] = op.Slug
	}
	return out
}

// Groups returns the distinct groups contributing operations, in order.
func (ts ToolSet) Groups() []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range ts {
		if !seen[op.Group] {
			seen[op.Group] = true
			out = append(out, op.Group)
		}
	}
	return out
}

// GroupReport describes how one group resolved.
type GroupReport struct {
	Group        string
	Default      int
	Supplemental int
	Rejected     int
	Total        int
	Errors       []string
}

// Report summarizes a Resolve call.
type Report struct {
	Groups []GroupReport

	// Unavailable lists groups that contributed no operations.
	Unavailable []string
}

// Available lists groups that contributed at least one operation.
func (r Report) Available() []string {
	var out []string
	for _, g := range r.Groups {
		if g.Total > 0 {
			out = append(out, g.Group)
		}
	}
	return out
}

// AssemblerConfig tunes the Assembler.
type AssemblerConfig struct {
	// Concurrency bounds parallel per-group fetches. Default 4.
	Concurrency int
}

// Assembler merges default and supplemental bundles into a ToolSet.
type Assembler struct {
	source  Source
	catalog *Catalog
	cfg     AssemblerConfig
	logger  *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(source Source, catalog *Catalog, cfg AssemblerConfig, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Assembler{
		source:  source,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.With("component", "assembler"),
	}
}

// Catalog returns the catalog used for canonicalization.
func (a *Assembler) Catalog() *Catalog { return a.catalog }

// Resolve builds the ToolSet for the requested groups. Provider failures for
// a group only drop that group's bundle; Resolve itself never fails.
func (a *Assembler) Resolve(ctx context.Context, groups []string) (ToolSet, Report) {
	canon := a.canonicalize(groups)

	ctx, span := tracer.Start(ctx, "capability.resolve")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("groups", canon))

	results := make([]groupResult, len(canon))
	var eg errgroup.Group
	eg.SetLimit(a.cfg.Concurrency)
	for i, group := range canon {
		eg.Go(func() error {
			results[i] = a.fetchGroup(ctx, group)
			return nil
		})
	}
	_ = eg.Wait()

	var set ToolSet
	var report Report
	seen := make(map[string]bool)
	for _, res := range results {
		added := 0
		for _, op := range res.ops {
			if seen[op.Slug] {
				continue
			}
			seen[op.Slug] = true
			set = append(set, op)
			added++
		}
		res.report.Total = added
		if added == 0 {
			report.Unavailable = append(report.Unavailable, res.report.Group)
			a.logger.Warn("capability unavailable",
				"group", res.report.Group, "error", ErrCapabilityMissing)
		}
		report.Groups = append(report.Groups, res.report)
	}

	span.SetAttributes(attribute.Int("operations", len(set)))
	a.logger.Debug("tool set resolved",
		"groups", len(canon), "operations", len(set), "unavailable", len(report.Unavailable))
	return set, report
}

type groupResult struct {
	ops    []Operation
	report GroupReport
}

func (a *Assembler) fetchGroup(ctx context.Context, group string) groupResult {
	res := groupResult{report: GroupReport{Group: group}}
	providerSlug := a.catalog.ProviderSlug(group)
	seen := make(map[string]bool)

	add := func(descs []Descriptor) int {
		n := 0
		for _, d := range descs {
			op, err := Validate(group, d)
			if err != nil {
				res.report.Rejected++
				a.logger.Warn("rejected operation descriptor", "group", group, "error", err)
				continue
			}
			if seen[op.Slug] {
				continue
			}
			seen[op.Slug] = true
			res.ops = append(res.ops, op)
			n++
		}
		return n
	}

	defaults, err := a.source.DefaultOperations(ctx, providerSlug)
	if err != nil {
		res.report.Errors = append(res.report.Errors, err.Error())
		a.logger.Warn("default bundle unavailable, skipping", "group", group, "error", err)
	} else {
		res.report.Default = add(defaults)
	}

	if names := a.catalog.Supplemental(group); len(names) > 0 {
		extra, err := a.source.Operations(ctx, names)
		if err != nil {
			res.report.Errors = append(res.report.Errors, err.Error())
			a.logger.Warn("supplemental bundle unavailable, skipping", "group", group, "error", err)
		} else {
			res.report.Supplemental = add(extra)
		}
	}
	return res
}

func (a *Assembler) canonicalize(groups []string) []string {
	seen := make(map[string]bool, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		c := a.catalog.Canon(g)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
