// Copyright 2026 The vmcore Authors.
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

package util

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteError(t *testing.T) {
	var b bytes.Buffer
	writeError(&b, "bad %s", "scenario")
	var j jsonError
	if err := json.Unmarshal(b.Bytes(), &j); err != nil {
		t.Fatalf("error log %q is not JSON: %v", b.String(), err)
	}
	if j.Msg != "bad scenario" || j.Level != "error" || j.Time.IsZero() {
		t.Errorf("error log entry = %+v", j)
	}

	// No error log configured.
	writeError(nil, "ignored")
}
