// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expression

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/errors"
)

func TestEvalConditions(t *testing.T) {
	e := New()
	env := RunEnv(
		json.RawMessage(`{"env":"prod","targets":["us-east-1","eu-west-1"],"count":3}`),
		map[string]json.RawMessage{
			"build": json.RawMessage(`{"ok":true,"artifact":"v1.2"}`),
			"scan":  json.RawMessage(`{"findings":[]}`),
		},
		json.RawMessage(`{"findings":[]}`),
	)

	tests := []struct {
		expr string
		want bool
	}{
		{``, true},
		{`payload.env == "prod"`, true},
		{`payload.env == "staging"`, false},
		{`payload.count > 2 && steps.build.ok`, true},
		{`"eu-west-1" in payload.targets`, true},
		{`has(payload.targets, "ap-south-1")`, false},
		{`includes(payload.targets, "us-east-1")`, true},
		{`length(steps.scan.findings) == 0`, true},
		{`steps.missing == nil`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Eval(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalRetryPredicate(t *testing.T) {
	e := New()

	got, err := e.Eval(`error contains "timeout"`, RetryEnv("dial tcp: i/o timeout", 1))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Eval(`error contains "timeout"`, RetryEnv("permission denied", 1))
	require.NoError(t, err)
	assert.False(t, got)

	got, err = e.Eval(`attempt < 3`, RetryEnv("boom", 2))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalCompileError(t *testing.T) {
	e := New()
	_, err := e.Eval(`payload.env ==`, map[string]any{})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestEvalNonBoolean(t *testing.T) {
	e := New()
	// AsBool rejects non-boolean results at compile time.
	_, err := e.Eval(`1 + 1`, map[string]any{})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestValidate(t *testing.T) {
	e := New()
	assert.NoError(t, e.Validate(``))
	assert.NoError(t, e.Validate(`payload.x > 0`))
	assert.Error(t, e.Validate(`payload.x >`))
}

func TestCompileCache(t *testing.T) {
	e := New()
	env := map[string]any{"x": 1}

	_, err := e.Eval(`x == 1`, env)
	require.NoError(t, err)
	_, err = e.Eval(`x == 1`, env)
	require.NoError(t, err)

	assert.Equal(t, 1, e.CacheSize())
}

func TestRunEnvDefaults(t *testing.T) {
	env := RunEnv(nil, nil, nil)
	assert.NotNil(t, env["payload"])
	assert.NotNil(t, env["steps"])

	e := New()
	got, err := e.Eval(`payload.anything == nil`, env)
	require.NoError(t, err)
	assert.True(t, got)
}
