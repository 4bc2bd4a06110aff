/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package adapter

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/virtbridge/internal/model"
	"github.com/alexandremahdhaoui/virtbridge/internal/types"
	"sigs.k8s.io/yaml"
)

var (
	ErrInvalidReportID = errors.New("problem report id must be a plain file name")

	errWriteReport = errors.New("cannot write problem report")
)

// ------------------------------------------------ PROBLEM REPORTER ------------------------------------------------ //

// NewFileProblemReporter returns a reporter storing each report as
// <dir>/<report id>.yaml. Reports are written to a temporary file first and
// renamed into place, so readers never observe a partial report.
func NewFileProblemReporter(dir string) model.ProblemReporter {
	return &fileProblemReporter{dir: dir}
}

type fileProblemReporter struct {
	dir string
}

func (r *fileProblemReporter) Submit(ctx context.Context, report types.ProblemReport) error {
	if report.ID == "" || filepath.Base(report.ID) != report.ID {
		return ErrInvalidReportID
	}

	if err := ctx.Err(); err != nil {
		return errors.Join(errWriteReport, err)
	}

	b, err := yaml.Marshal(report)
	if err != nil {
		return errors.Join(errWriteReport, err)
	}

	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return errors.Join(errWriteReport, err)
	}

	tmp, err := os.CreateTemp(r.dir, ".report-*")
	if err != nil {
		return errors.Join(errWriteReport, err)
	}

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Join(errWriteReport, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Join(errWriteReport, err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(r.dir, report.ID+".yaml")); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Join(errWriteReport, err)
	}

	return nil
}
