package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Job is a scheduled load read from the jobs file:
//
//	jobs:
//	  - name: nightly-stock
//	    schedule: "0 2 * * *"
//	    table: inventory.stock
//	    source: s3://imports/stock.csv.gz
//	    fields: [isbn, price, stock]
//	    delimiter: "|"
//	    header: true
//	    replace: false
//
// Unset optional settings fall back to the service defaults.
type Job struct {
	Name       string   `yaml:"name" json:"name"`
	Schedule   string   `yaml:"schedule" json:"schedule"`
	Table      string   `yaml:"table" json:"table"`
	Source     string   `yaml:"source" json:"source"`
	Fields     []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Delimiter  string   `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
	HasHeader  *bool    `yaml:"header,omitempty" json:"header,omitempty"`
	Replace    *bool    `yaml:"replace,omitempty" json:"replace,omitempty"`
	RequireKey *bool    `yaml:"require_key,omitempty" json:"require_key,omitempty"`
}

type jobsFile struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadJobs reads and validates a jobs file.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	return ParseJobs(data)
}

// ParseJobs decodes and validates jobs YAML. Every problem is reported.
func ParseJobs(data []byte) ([]Job, error) {
	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Jobs))
	for i, j := range f.Jobs {
		label := j.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Errorf("job %s: name is required", label))
		} else if seen[j.Name] {
			errs = append(errs, fmt.Errorf("job %s: duplicate name", label))
		}
		seen[j.Name] = true

		if _, err := cron.ParseStandard(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("job %s: schedule %q: %w", label, j.Schedule, err))
		}
		if _, err := ParseTable(j.Table); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", label, err))
		}
		if strings.TrimSpace(j.Source) == "" {
			errs = append(errs, fmt.Errorf("job %s: source is required", label))
		}
		if _, err := ParseDelimiter(j.Delimiter); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", label, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Jobs, nil
}

// Request builds the load request for j on top of base.
func (j Job) Request(base Request) Request {
	req := base
	req.Table = j.Table
	req.Path = j.Source
	if len(j.Fields) > 0 {
		req.Fields = j.Fields
	}
	if j.Delimiter != "" {
		req.Delimiter = j.Delimiter
	}
	if j.HasHeader != nil {
		req.HasHeader = *j.HasHeader
	}
	if j.Replace != nil {
		req.ReplaceDuplicates = *j.Replace
	}
	if j.RequireKey != nil {
		req.RequireKey = *j.RequireKey
	}
	return req
}
