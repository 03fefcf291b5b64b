// Copyright 2026 fanjia1024
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

package ledger

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCompute(t *testing.T) {
	st := Compute([]Pair{{Predicted: 100, Actual: 110}, {Predicted: 200, Actual: 190}})
	if st.Count != 2 {
		t.Fatalf("count = %d", st.Count)
	}
	if *st.MeanAbsoluteError != 10 || *st.RMSE != 10 {
		t.Errorf("mae=%v rmse=%v", *st.MeanAbsoluteError, *st.RMSE)
	}
	if got := *st.Accuracy; got < 93.33 || got > 93.34 {
		t.Errorf("accuracy = %v", got)
	}
}

func TestCompute_ZeroMeanActual(t *testing.T) {
	st := Compute([]Pair{{Predicted: 1, Actual: 0}, {Predicted: -1, Actual: 0}})
	if st.Accuracy != nil {
		t.Errorf("accuracy should be absent, got %v", *st.Accuracy)
	}
	if st.MeanAbsolutePercentError != nil {
		t.Errorf("mape should be absent")
	}
	if *st.MeanAbsoluteError != 1 {
		t.Errorf("mae = %v", *st.MeanAbsoluteError)
	}
}

func TestStats_MarshalJSON(t *testing.T) {
	st := Compute([]Pair{{Predicted: 100, Actual: 100}})
	st.Window = 24 * time.Hour
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["count"] != 1.0 || m["accuracy_pct"] != 100.0 || m["window_hours"] != 24.0 {
		t.Errorf("unexpected json %s", b)
	}

	b, _ = json.Marshal(Compute(nil))
	if string(b) != `{"count":0,"mean_absolute_error":null,"rmse":null,"accuracy_pct":null,"avg_error_pct":null,"window_hours":null}` {
		t.Errorf("empty stats json = %s", b)
	}
}
