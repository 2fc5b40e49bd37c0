// Package materializer implements the Image Materializer (C6): given a
// node, a catalogue image, and a target folder, it ensures the image's disk
// file is present and checksummed on that node, downloading it via the
// image's fallback URL if missing. All work happens over the node's scoped
// shell (pkg/transport); there is no local filesystem access to the cluster.
package materializer

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/log"
	"github.com/netsoc/instanced/pkg/transport"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/rs/zerolog"
)

// Materializer runs the download-verify-place algorithm against a node
// shell supplied per call (shells are not shareable across tasks, §5).
type Materializer struct {
	logger zerolog.Logger
}

// New creates a Materializer.
func New() *Materializer {
	return &Materializer{logger: log.WithComponent("materializer")}
}

// Materialize ensures image's disk file exists at targetFolder on the node
// reachable via shell, and passes checksum, per §4.6. It returns the
// absolute path to the verified disk file.
func (m *Materializer) Materialize(ctx context.Context, shell transport.NodeShell, image types.Image, targetFolder string) (string, error) {
	logger := m.logger.With().Str("image", image.ID).Str("target_folder", targetFolder).Logger()

	if status, _, stderr, err := shell.Exec(ctx, fmt.Sprintf("mkdir -p %s", shQuote(targetFolder))); err != nil || status != 0 {
		return "", fmt.Errorf("%w: could not reserve download dir: %s", errs.ErrResourceUnavailable, tail(stderr, err))
	}

	targetPath := path.Join(targetFolder, image.DiskFile)

	if ok, err := m.verifyExisting(ctx, shell, targetPath, image.DiskSHA256); err != nil {
		return "", err
	} else if ok {
		logger.Debug().Msg("image already materialized, skipping download")
		return targetPath, nil
	}

	if image.FallbackURL == "" {
		return "", fmt.Errorf("%w: no fallback URL for image %s", errs.ErrResourceUnavailable, image.ID)
	}

	hostname, _ := os.Hostname()
	downloadPath := path.Join(targetFolder, fmt.Sprintf("%s-%d", hostname, os.Getpid()))

	logger.Info().Str("url", image.FallbackURL).Msg("downloading image")
	downloadCmd := fmt.Sprintf("curl -fsSL -o %s %s", shQuote(downloadPath), shQuote(image.FallbackURL))
	if status, _, stderr, err := shell.Exec(ctx, downloadCmd); err != nil || status != 0 {
		return "", fmt.Errorf("%w: download failed: %s", errs.ErrResourceUnavailable, tail(stderr, err))
	}

	if image.DiskSHA256 != "" {
		sum, err := m.sha256sum(ctx, shell, downloadPath)
		if err != nil {
			return "", err
		}
		if sum != image.DiskSHA256 {
			_, _, _, _ = shell.Exec(ctx, fmt.Sprintf("rm -f %s", shQuote(downloadPath)))
			return "", fmt.Errorf("%w: checksum mismatch for %s: got %s want %s", errs.ErrResourceUnavailable, image.ID, sum, image.DiskSHA256)
		}
	}

	replaceCmd := fmt.Sprintf("rm -f %s && mv %s %s", shQuote(targetPath), shQuote(downloadPath), shQuote(targetPath))
	if status, _, stderr, err := shell.Exec(ctx, replaceCmd); err != nil || status != 0 {
		return "", fmt.Errorf("%w: could not place downloaded image: %s", errs.ErrResourceUnavailable, tail(stderr, err))
	}

	logger.Info().Msg("image materialized")
	return targetPath, nil
}

// verifyExisting reports whether targetPath already exists and, if
// wantSHA256 is set, matches it.
func (m *Materializer) verifyExisting(ctx context.Context, shell transport.NodeShell, targetPath, wantSHA256 string) (bool, error) {
	status, _, _, err := shell.Exec(ctx, fmt.Sprintf("test -f %s", shQuote(targetPath)))
	if err != nil {
		return false, fmt.Errorf("%w: stat failed: %v", errs.ErrResourceUnavailable, err)
	}
	if status != 0 {
		return false, nil
	}
	if wantSHA256 == "" {
		return true, nil
	}
	sum, err := m.sha256sum(ctx, shell, targetPath)
	if err != nil {
		return false, err
	}
	return sum == wantSHA256, nil
}

func (m *Materializer) sha256sum(ctx context.Context, shell transport.NodeShell, p string) (string, error) {
	status, stdout, stderr, err := shell.Exec(ctx, fmt.Sprintf("sha256sum %s", shQuote(p)))
	if err != nil || status != 0 {
		return "", fmt.Errorf("%w: sha256sum failed: %s", errs.ErrResourceUnavailable, tail(stderr, err))
	}
	fields := strings.Fields(string(stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: sha256sum produced no output", errs.ErrResourceUnavailable)
	}
	return fields[0], nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(stderr []byte, err error) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	if s == "" && err != nil {
		return err.Error()
	}
	return s
}
