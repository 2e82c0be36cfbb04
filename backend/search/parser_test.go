// Copyright (c) 2026 WBODC Baseball
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package search

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Query
	}{
		{
			name:  "empty",
			input: "",
			want:  Query{Filters: []Filter{}, FreeText: []string{}},
		},
		{
			name:  "free text only",
			input: "brewbirds away",
			want:  Query{Filters: []Filter{}, FreeText: []string{"brewbirds", "away"}},
		},
		{
			name:  "simple filter",
			input: "status:completed",
			want: Query{
				Filters:  []Filter{{Key: "status", Value: "completed", Operator: OpEqual}},
				FreeText: []string{},
			},
		},
		{
			name:  "filter and free text",
			input: "team:brewbirds finals",
			want: Query{
				Filters:  []Filter{{Key: "team", Value: "brewbirds", Operator: OpEqual}},
				FreeText: []string{"finals"},
			},
		},
		{
			name:  "quoted value with spaces",
			input: `name:"sunday showdown"`,
			want: Query{
				Filters:  []Filter{{Key: "name", Value: "sunday showdown", Operator: OpEqual}},
				FreeText: []string{},
			},
		},
		{
			name:  "quoted free text",
			input: `"the ducks"`,
			want:  Query{Filters: []Filter{}, FreeText: []string{"the ducks"}},
		},
		{
			name:  "key is lowercased",
			input: "Status:completed",
			want: Query{
				Filters:  []Filter{{Key: "status", Value: "completed", Operator: OpEqual}},
				FreeText: []string{},
			},
		},
		{
			name:  "comparison operators",
			input: "date:>=2026-05-01 date:<2026-06-01",
			want: Query{
				Filters: []Filter{
					{Key: "date", Value: "2026-05-01", Operator: OpGreaterOrEqual},
					{Key: "date", Value: "2026-06-01", Operator: OpLess},
				},
				FreeText: []string{},
			},
		},
		{
			name:  "range operator",
			input: "date:2026-05..2026-06",
			want: Query{
				Filters:  []Filter{{Key: "date", Value: "2026-05", MaxValue: "2026-06", Operator: OpRange}},
				FreeText: []string{},
			},
		},
		{
			name:  "unquoted second colon stays free text",
			input: "time:12:30",
			want:  Query{Filters: []Filter{}, FreeText: []string{"time:12:30"}},
		},
		{
			name:  "empty value stays free text",
			input: "status:",
			want:  Query{Filters: []Filter{}, FreeText: []string{"status:"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.input)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
		})
	}
}
