package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/p2psync/index"
	"github.com/bobg/p2psync/specstore"
)

func (c maincmd) index(ctx context.Context, chunkSize int64, workers int, dump string, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: index [flags] PATH")
	}

	ix := &index.Indexer{ChunkSize: chunkSize, Workers: workers}
	spec, err := ix.Index(ctx, args[0])
	if err != nil {
		return errors.Wrapf(err, "indexing %s", args[0])
	}

	if err = spec.Dump(c.stdout); err != nil {
		return errors.Wrap(err, "writing listing")
	}

	if dump != "" {
		if err = specstore.Dump(spec, dump); err != nil {
			return errors.Wrapf(err, "saving spec to %s", dump)
		}
	}

	_, err = fmt.Fprintf(c.stdout, "root %s\n", spec.Tree.Hash)
	return err
}

func (c maincmd) dump(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dump FILE")
	}

	spec, err := specstore.Load(args[0])
	if err != nil {
		return errors.Wrapf(err, "loading %s", args[0])
	}

	fmt.Fprintf(c.stdout, "# %s (chunk size %d)\n", spec.Root, spec.ChunkSize)
	return spec.Dump(c.stdout)
}
