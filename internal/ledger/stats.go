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
	"math"
	"time"
)

// Pair 一对预测值与实际值
type Pair struct {
	Predicted float64
	Actual    float64
}

// Stats 精度统计；指针为 nil 表示该项不可得
type Stats struct {
	Count                    int
	MeanAbsoluteError        *float64
	RMSE                     *float64
	Accuracy                 *float64 // 100 - MAE/mean(actual)*100
	MeanAbsolutePercentError *float64 // 仅计入 actual != 0 的样本
	Window                   time.Duration
}

// MarshalJSON 输出 window_hours，缺失项为 null
func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count       int      `json:"count"`
		MAE         *float64 `json:"mean_absolute_error"`
		RMSE        *float64 `json:"rmse"`
		Accuracy    *float64 `json:"accuracy_pct"`
		MAPE        *float64 `json:"avg_error_pct"`
		WindowHours *float64 `json:"window_hours"`
	}{
		Count:       s.Count,
		MAE:         s.MeanAbsoluteError,
		RMSE:        s.RMSE,
		Accuracy:    s.Accuracy,
		MAPE:        s.MeanAbsolutePercentError,
		WindowHours: windowHours(s.Window),
	})
}

func windowHours(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	h := d.Hours()
	return &h
}

// Compute 计算误差统计
func Compute(pairs []Pair) Stats {
	st := Stats{Count: len(pairs)}
	if len(pairs) == 0 {
		return st
	}
	var absSum, sqSum, actualSum, pctSum float64
	pctN := 0
	for _, p := range pairs {
		e := p.Predicted - p.Actual
		absSum += math.Abs(e)
		sqSum += e * e
		actualSum += p.Actual
		if p.Actual != 0 {
			pctSum += math.Abs(e) / math.Abs(p.Actual) * 100
			pctN++
		}
	}
	n := float64(len(pairs))
	mae := absSum / n
	rmse := math.Sqrt(sqSum / n)
	st.MeanAbsoluteError, st.RMSE = &mae, &rmse
	if mean := actualSum / n; mean != 0 {
		acc := 100 - mae/mean*100
		st.Accuracy = &acc
	}
	if pctN > 0 {
		mape := pctSum / float64(pctN)
		st.MeanAbsolutePercentError = &mape
	}
	return st
}
