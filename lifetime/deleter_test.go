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

package lifetime

import "testing"

func TestDeleter(t *testing.T) {
	for _, tc := range []struct {
		Name          string
		Refs          int
		ReleaseBefore int
		WantDestroyed bool
	}{
		{
			Name:          "no_refs",
			WantDestroyed: true,
		},
		{
			Name: "held",
			Refs: 2,
		},
		{
			Name:          "released_before_delete",
			Refs:          2,
			ReleaseBefore: 2,
			WantDestroyed: true,
		},
		{
			Name:          "partly_released",
			Refs:          3,
			ReleaseBefore: 1,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			var calls int
			d := NewDeleter(func() { calls++ })
			for i := 0; i < tc.Refs; i++ {
				if !d.Retain() {
					t.Fatalf("Retain() = false before delete")
				}
			}
			for i := 0; i < tc.ReleaseBefore; i++ {
				d.Release()
			}
			d.RequestDelete()
			if !d.IsMarkedForDeletion() {
				t.Errorf("IsMarkedForDeletion() = false, want true")
			}
			if got := d.IsDestroyed(); got != tc.WantDestroyed {
				t.Errorf("IsDestroyed() = %v, want %v", got, tc.WantDestroyed)
			}
			if d.Retain() {
				t.Errorf("Retain() = true after RequestDelete, want false")
			}
			for i := tc.ReleaseBefore; i < tc.Refs; i++ {
				d.Release()
			}
			d.RequestDelete()
			if calls != 1 {
				t.Errorf("destroy ran %d times, want 1", calls)
			}
		})
	}
}

func TestReleaseWithoutRetainPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Release without Retain did not panic")
		}
	}()
	NewDeleter(nil).Release()
}
