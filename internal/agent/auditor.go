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

package agent

import "time"

// Auditor 按安全规则校验 Strategist 的建议
type Auditor struct {
	now func() time.Time
}

// NewAuditor 创建 Auditor
func NewAuditor() *Auditor {
	return &Auditor{now: time.Now}
}

// Validate 校验规则：
// 非 CRITICAL 不得通知金库；CRITICAL 不能只做 MONITOR；未知取值一律拒绝
func (a *Auditor) Validate(st Strategy) Verdict {
	v := Verdict{Approved: true, Reason: "Action within safety parameters.", Timestamp: a.now().UTC()}
	switch {
	case !validRisk(st.RiskLevel):
		v.Approved, v.Reason = false, "REJECTED: Unknown risk level "+st.RiskLevel+"."
	case !validAction(st.RecommendedAction):
		v.Approved, v.Reason = false, "REJECTED: Unknown action "+st.RecommendedAction+"."
	case st.RecommendedAction == ActionAlertTreasury && st.RiskLevel != RiskCritical:
		v.Approved, v.Reason = false, "REJECTED: Cannot alert treasury for non-critical risk."
	case st.RiskLevel == RiskCritical && st.RecommendedAction == ActionMonitor:
		v.Approved, v.Reason = false, "REJECTED: Critical risk requires active intervention."
	}
	return v
}
