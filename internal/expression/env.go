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

import "encoding/json"

// RunEnv builds the evaluation environment for branch conditions. JSON
// documents decode to generic maps so expressions can traverse them.
func RunEnv(payload json.RawMessage, steps map[string]json.RawMessage, lastOutput json.RawMessage) map[string]any {
	env := map[string]any{
		"payload":    decodeAny(payload),
		"steps":      make(map[string]any, len(steps)),
		"lastOutput": decodeAny(lastOutput),
	}

	stepVals := env["steps"].(map[string]any)
	for id, out := range steps {
		stepVals[id] = decodeAny(out)
	}
	return env
}

// RetryEnv builds the evaluation environment for retry predicates.
func RetryEnv(errMsg string, attempt int) map[string]any {
	return map[string]any{
		"error":   errMsg,
		"attempt": attempt,
	}
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	if v == nil {
		return map[string]any{}
	}
	return v
}
