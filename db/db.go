// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package db implements partitioned, ordered tables whose changes are
// delivered to registered listeners from per-partition tasks.
package db

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/task"
)

// DB is a named collection of tables sharing one scheduler.
type DB struct {
	s   *task.Scheduler
	log *logrus.Logger

	mu     sync.Mutex
	tables map[string]*Table
}

// New returns an empty database.
func New(s *task.Scheduler, log *logrus.Logger) *DB {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DB{s: s, log: log, tables: map[string]*Table{}}
}

// Scheduler returns the database's scheduler.
func (d *DB) Scheduler() *task.Scheduler { return d.s }

// CreateTable adds a table. It fails if the name is taken.
func (d *DB) CreateTable(name string, opts TableOptions) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[name]; ok {
		return nil, errors.Errorf("table %q already exists", name)
	}
	if opts.Logger == nil {
		opts.Logger = d.log
	}
	t := NewTable(d.s, name, opts)
	d.tables[name] = t
	return t, nil
}

// FindTable returns the named table, or nil.
func (d *DB) FindTable(name string) *Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tables[name]
}

// RemoveTable drops the named table and stops accepting its requests.
func (d *DB) RemoveTable(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[name]
	if !ok {
		return errors.Errorf("table %q not found", name)
	}
	t.close()
	delete(d.tables, name)
	return nil
}

// Tables returns every table, ordered by name.
func (d *DB) Tables() []*Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].name < ts[j].name })
	return ts
}
