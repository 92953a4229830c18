// Package c50 runs the C5.0 decision tree learner as a subprocess.
package c50

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	Tag = "c5.0"

	// DefaultBinary is the name of the executable within the learner path.
	DefaultBinary = "c5.0"
)

type Learner struct {
	path   string
	Binary string
}

func New(path string) *Learner {
	return &Learner{
		path:   path,
		Binary: DefaultBinary,
	}
}

// Run invokes "<path>/c5.0 -f <stem>", where stem is the data path without its
// extension. C5.0 finds the names file by the same stem, so the two paths must
// agree. Blocks until the process exits or the context is cancelled.
func (l *Learner) Run(ctx context.Context, dataPath, namesPath string) ([]string, error) {
	stem := strings.TrimSuffix(dataPath, ".data")
	if strings.TrimSuffix(namesPath, ".names") != stem {
		return nil, errors.Errorf("data and names files must share a stem (data=%q, names=%q)", dataPath, namesPath)
	}

	bin := filepath.Join(l.path, l.Binary)
	cmd := exec.CommandContext(ctx, bin, "-f", stem)

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "error running %s: %s", bin, strings.TrimSpace(stderr.String()))
	}

	lines := []string{}
	s := bufio.NewScanner(bytes.NewReader(out))
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, s.Text())
	}

	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading learner output")
	}

	return lines, nil
}
