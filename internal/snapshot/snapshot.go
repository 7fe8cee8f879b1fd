// Package snapshot loads a scheduling environment from YAML.
//
// Besides the explicit capacity tables a file may give flat per-resource
// defaults, applied to every period or day without an explicit entry:
//
//	period_capacity:
//	  MTN-MECH: 80
//	daily_capacity:
//	  MTN-MECH: 8
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/model"
)

type File struct {
	environment.Snapshot `yaml:",inline"`

	PeriodCapacity map[model.Resource]model.Work `yaml:"period_capacity"`
	DailyCapacity  map[model.Resource]model.Work `yaml:"daily_capacity"`
}

// Parse decodes one YAML document. Unknown fields are rejected.
func Parse(data []byte) (environment.Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return environment.Snapshot{}, fmt.Errorf("%w: snapshot: payload is empty", environment.ErrConfiguration)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return environment.Snapshot{}, fmt.Errorf("%w: snapshot: decode: %v", environment.ErrConfiguration, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return environment.Snapshot{}, fmt.Errorf("%w: snapshot: multiple YAML documents are not supported", environment.ErrConfiguration)
	}
	return f.Expand(), nil
}

func Read(r io.Reader) (environment.Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return environment.Snapshot{}, fmt.Errorf("snapshot: read: %w", err)
	}
	return Parse(data)
}

func Load(path string) (environment.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return environment.Snapshot{}, fmt.Errorf("%w: snapshot: read %s: %v", environment.ErrConfiguration, path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return environment.Snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Expand folds the flat defaults into the capacity tables.
func (f File) Expand() environment.Snapshot {
	s := f.Snapshot
	if len(f.PeriodCapacity) > 0 && s.StrategicCapacity == nil {
		s.StrategicCapacity = make(map[model.Resource]map[model.PeriodID]model.Work)
	}
	if len(f.DailyCapacity) > 0 && s.TacticalCapacity == nil {
		s.TacticalCapacity = make(map[model.Resource]map[string]model.Work)
	}

	for r, w := range f.PeriodCapacity {
		byPeriod := s.StrategicCapacity[r]
		if byPeriod == nil {
			byPeriod = make(map[model.PeriodID]model.Work)
			s.StrategicCapacity[r] = byPeriod
		}
		for _, p := range s.Periods {
			if _, ok := byPeriod[p.ID]; !ok {
				byPeriod[p.ID] = w
			}
		}
	}
	for r, w := range f.DailyCapacity {
		byDate := s.TacticalCapacity[r]
		if byDate == nil {
			byDate = make(map[string]model.Work)
			s.TacticalCapacity[r] = byDate
		}
		for _, p := range s.Periods {
			for _, d := range p.Days() {
				if _, ok := byDate[d.Date]; !ok {
					byDate[d.Date] = w
				}
			}
		}
	}
	return s
}
