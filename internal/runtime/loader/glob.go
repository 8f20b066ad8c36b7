package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/zutils/protocols/internal/runtime/boundary"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/tree"
)

// LoadGlob loads every file matching pattern into node. "**" matches across
// directories. Paths that are already loaded are skipped; every other failure
// is collected and never stops the remaining paths.
func (l *Loader) LoadGlob(ctx context.Context, node *tree.Node, pattern string) ([]*boundary.Handle, error) {
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}

	var (
		handles []*boundary.Handle
		result  *multierror.Error
	)
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		h, err := l.LoadInto(ctx, node, path)
		switch {
		case errors.Is(err, errspkg.ErrAlreadyLoaded):
			l.log.Debug("module already loaded", logging.LogFields{"path": path})
		case err != nil:
			l.log.Error("module failed to load", err, logging.LogFields{"path": path})
			result = multierror.Append(result, err)
		default:
			handles = append(handles, h)
		}
	}
	return handles, result.ErrorOrNil()
}
