// Package datastore wires the engine selected on the command line (or via
// NewDatastore's functional options) into a ready internal/datastore.Datastore,
// optionally pre-loading one or more bootstrap schema files.
package datastore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/datastore/memdb"
	"github.com/authzed/rebacd/internal/datastore/postgres"
	"github.com/authzed/rebacd/internal/namespace"
	"github.com/authzed/rebacd/pkg/tuple"
)

// Engine names a supported storage backend.
type Engine string

const (
	MemoryEngine   Engine = "memory"
	PostgresEngine Engine = "postgres"
)

// Config holds the datastore settings a serve command exposes as flags.
type Config struct {
	Engine          string
	PostgresURI     string
	RevisionFuzzing time.Duration
	GCWindow        time.Duration
	BootstrapFiles  []string
}

// RegisterDatastoreFlagsWithPrefix registers one flag per Config field onto
// flags, each named "<prefix->datastore-..." except the bootstrap files flag
// "<prefix->schema-bootstrap-files", and seeds opts with the same defaults
// DefaultDatastoreConfig returns.
func RegisterDatastoreFlagsWithPrefix(flags *pflag.FlagSet, prefix string, opts *Config) error {
	if prefix != "" {
		prefix += "-"
	}
	flags.StringVar(&opts.Engine, prefix+"datastore-engine", string(MemoryEngine), "datastore engine to use (memory, postgres)")
	flags.StringVar(&opts.PostgresURI, prefix+"datastore-conn-uri", "", "connection string for the postgres engine")
	flags.DurationVar(&opts.RevisionFuzzing, prefix+"datastore-revision-fuzzing-duration", 100*time.Millisecond, "amount of time to jitter returned quantized revisions by")
	flags.DurationVar(&opts.GCWindow, prefix+"datastore-gc-window", 24*time.Hour, "how long ago a revision can be before it is considered stale")
	flags.StringSliceVar(&opts.BootstrapFiles, prefix+"schema-bootstrap-files", nil, "bootstrap schema file paths to load at startup")
	return nil
}

// DefaultDatastoreConfig returns the same defaults RegisterDatastoreFlagsWithPrefix
// seeds a fresh Config with, for callers that don't need a flag set.
func DefaultDatastoreConfig() *Config {
	return &Config{
		Engine:          string(MemoryEngine),
		RevisionFuzzing: 100 * time.Millisecond,
		GCWindow:        24 * time.Hour,
	}
}

type buildOptions struct {
	engine            Engine
	postgresURI       string
	bootstrapFiles    []string
	bootstrapContents map[string][]byte
}

// Option configures NewDatastore.
type Option func(*buildOptions)

// WithEngine selects the storage backend; the zero value behaves as MemoryEngine.
func WithEngine(e Engine) Option { return func(o *buildOptions) { o.engine = e } }

// WithPostgresURI sets the connection string used when the engine is PostgresEngine.
func WithPostgresURI(uri string) Option { return func(o *buildOptions) { o.postgresURI = uri } }

// SetBootstrapFiles loads and compiles the schema found at each path, writing
// every resulting namespace in a single transaction once the engine is ready.
func SetBootstrapFiles(paths []string) Option {
	return func(o *buildOptions) { o.bootstrapFiles = paths }
}

// SetBootstrapFileContents behaves like SetBootstrapFiles for schema text
// already in memory, keyed by a caller-chosen label used only for error
// messages. Useful for tests and for configs embedded at build time.
func SetBootstrapFileContents(contents map[string][]byte) Option {
	return func(o *buildOptions) { o.bootstrapContents = contents }
}

// bootstrapDocument is the shape of one bootstrap YAML file: a schema body
// and, optionally, seed relationships (spec §4.1's tuple format, one per line).
type bootstrapDocument struct {
	Schema        string   `yaml:"schema"`
	Relationships []string `yaml:"relationships"`
}

// NewDatastore constructs the engine selected by opts (MemoryEngine by
// default) and, if any bootstrap source was given, loads every namespace it
// defines before returning.
func NewDatastore(ctx context.Context, opts ...Option) (datastore.Datastore, error) {
	options := &buildOptions{engine: MemoryEngine}
	for _, opt := range opts {
		opt(options)
	}

	var ds datastore.Datastore
	switch options.engine {
	case MemoryEngine, "":
		mds, err := memdb.NewDatastore()
		if err != nil {
			return nil, fmt.Errorf("unable to instantiate datastore: %w", err)
		}
		ds = mds
	case PostgresEngine:
		pgds, err := postgres.NewDatastore(ctx, options.postgresURI)
		if err != nil {
			return nil, fmt.Errorf("unable to instantiate datastore: %w", err)
		}
		if err := pgds.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		ds = pgds
	default:
		return nil, fmt.Errorf("unknown datastore engine %q", options.engine)
	}

	if len(options.bootstrapFiles) == 0 && len(options.bootstrapContents) == 0 {
		return ds, nil
	}
	if err := loadBootstrap(ctx, ds, options.bootstrapFiles, options.bootstrapContents); err != nil {
		return nil, err
	}
	return ds, nil
}

func loadBootstrap(ctx context.Context, ds datastore.Datastore, files []string, contents map[string][]byte) error {
	var defs []*v0.NamespaceDefinition
	var updates []*v1.RelationshipUpdate

	load := func(label string, raw []byte) error {
		var doc bootstrapDocument
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("unable to parse bootstrap file %q: %w", label, err)
		}
		compiled, err := namespace.Compile(doc.Schema)
		if err != nil {
			return fmt.Errorf("unable to compile bootstrap schema %q: %w", label, err)
		}
		defs = append(defs, compiled...)

		for _, line := range doc.Relationships {
			rt, err := tuple.ParseRelationTuple(line)
			if err != nil {
				return fmt.Errorf("unable to parse bootstrap relationship %q in %q: %w", line, label, err)
			}
			updates = append(updates, &v1.RelationshipUpdate{
				Operation: v1.RelationshipUpdate_OPERATION_TOUCH,
				Relationship: &v1.Relationship{
					Resource: &v1.ObjectReference{ObjectType: rt.ObjectAndRelation.Namespace, ObjectId: rt.ObjectAndRelation.ObjectId},
					Relation: rt.ObjectAndRelation.Relation,
					Subject:  tuple.ToSubjectReference(rt.User.GetUserset()),
				},
			})
		}
		return nil
	}

	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("unable to read bootstrap file %q: %w", path, err)
		}
		if err := load(path, raw); err != nil {
			return err
		}
	}

	// iterate the contents map in a fixed order so bootstrap errors are
	// reproducible across runs.
	labels := make([]string, 0, len(contents))
	for label := range contents {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if err := load(label, contents[label]); err != nil {
			return err
		}
	}

	if len(defs) == 0 && len(updates) == 0 {
		return nil
	}

	_, err := ds.ReadWriteTx(ctx, func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		if err := rwt.WriteNamespaces(ctx, defs...); err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		return rwt.WriteRelationships(ctx, updates)
	})
	if err != nil {
		return fmt.Errorf("unable to write bootstrap data: %w", err)
	}
	return nil
}
