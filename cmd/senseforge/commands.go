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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"senseforge/internal/agent"
	"senseforge/internal/app"
	"senseforge/internal/ledger"
	"senseforge/pkg/config"
	"senseforge/pkg/log"
	"senseforge/pkg/tracing"
)

const version = "0.1.0"

// rootOptions 全局 flag
type rootOptions struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "senseforge",
		Short:        "SenseForge 流动性风险代理运维工具",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/api.yaml", "配置文件路径，空字符串只用默认值与环境变量")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "以 JSON 输出")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "输出 info 级别日志")

	root.AddCommand(
		newAccuracyCmd(opts),
		newPredictionsCmd(opts),
		newValidateCmd(opts),
		newSweepCmd(opts),
		newReasoningCmd(opts),
		newQueryCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

// load 读取配置并创建写到 stderr 的 Logger，避免污染命令输出
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *log.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := "warn"
	if o.verbose {
		level = "info"
	}
	cfg.Log.Level = level
	cfg.Log.File = ""
	logger := log.New(cmd.ErrOrStderr(), &log.Config{Level: level, Format: "text"})
	return cfg, logger, nil
}

// withLedger 打开账本执行 fn 后关闭
func (o *rootOptions) withLedger(cmd *cobra.Command, fn func(ctx context.Context, l *ledger.Ledger) error) error {
	cfg, logger, err := o.load(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	l, closeFn, err := app.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()
	return fn(ctx, l)
}

func newAccuracyCmd(opts *rootOptions) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "统计时间窗口内已验证预测的准确度",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if window < 0 {
				return fmt.Errorf("--window 不能为负")
			}
			return opts.withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
				st := l.AccuracyStats(window)
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				return printStats(cmd.OutOrStdout(), st, window)
			})
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 24*time.Hour, "统计窗口，0 表示全部")
	return cmd
}

func printStats(w io.Writer, st ledger.Stats, window time.Duration) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "window\t%s\n", windowLabel(window))
	fmt.Fprintf(tw, "count\t%d\n", st.Count)
	fmt.Fprintf(tw, "mean_absolute_error\t%s\n", formatOptional(st.MeanAbsoluteError))
	fmt.Fprintf(tw, "rmse\t%s\n", formatOptional(st.RMSE))
	fmt.Fprintf(tw, "accuracy_pct\t%s\n", formatOptional(st.Accuracy))
	fmt.Fprintf(tw, "avg_error_pct\t%s\n", formatOptional(st.MeanAbsolutePercentError))
	return tw.Flush()
}

func windowLabel(d time.Duration) string {
	if d <= 0 {
		return "all"
	}
	return d.String()
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func newPredictionsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit         int
		validatedOnly bool
	)
	cmd := &cobra.Command{
		Use:   "predictions",
		Short: "列出最近的预测（新的在前）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 || limit > 1000 {
				return fmt.Errorf("--limit 需在 1..1000 之间")
			}
			return opts.withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
				preds := l.Recent(limit, !validatedOnly)
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), preds)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIMESTAMP\tPREDICTED\tACTUAL\tRISK")
				for _, p := range preds {
					actual := "-"
					if p.ActualValue != nil {
						actual = strconv.FormatFloat(*p.ActualValue, 'f', 2, 64)
					}
					fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n",
						p.ID, p.Timestamp.Format(time.RFC3339), p.PredictedValue, actual, p.RiskLevel)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多返回条数")
	cmd.Flags().BoolVar(&validatedOnly, "validated-only", false, "只列出已回填实际值的预测")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <prediction_id> <actual_liquidity>",
		Short: "为一条预测回填实际流动性",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actual, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("actual_liquidity 不是合法数字: %w", err)
			}
			return opts.withLedger(cmd, func(ctx context.Context, l *ledger.Ledger) error {
				if err := l.UpdateActual(ctx, args[0], actual); err != nil {
					return err
				}
				p, err := l.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s validated: predicted=%.2f actual=%.2f\n", p.ID, p.PredictedValue, actual)
				return nil
			})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "执行一轮自动验证，为到期预测回填模拟实际值",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			l, closeFn, err := app.OpenLedger(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			vc := cfg.Ledger.Validator
			v := ledger.NewValidator(l, ledger.NoisySource{Noise: vc.Noise}, ledger.ValidatorConfig{
				Delay:    vc.Delay,
				Interval: vc.Interval,
				Logger:   logger,
			})
			n, err := v.Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "validated %d predictions\n", n)
			return err
		},
	}
}

func newReasoningCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reasoning",
		Short: "查看推理审计记录",
	}
	var window time.Duration
	summary := &cobra.Command{
		Use:   "summary",
		Short: "汇总时间窗口内的推理链",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if window < 0 {
				return fmt.Errorf("--window 不能为负")
			}
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			trail, closeFn, err := app.OpenTrail(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			sum, err := trail.SummaryReport(cmd.Context(), window)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sum)
		},
	}
	summary.Flags().DurationVarP(&window, "window", "w", 24*time.Hour, "统计窗口，0 表示全部")

	show := &cobra.Command{
		Use:   "show <chain_id>",
		Short: "输出一条推理链",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			trail, closeFn, err := app.OpenTrail(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			rec, err := trail.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.AddCommand(summary, show)
	return cmd
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		proposalID string
		extra      string
	)
	cmd := &cobra.Command{
		Use:   "query <text...>",
		Short: "在本地跑一次完整的风险分析流水线",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if tc := cfg.Monitoring.Tracing; tc.Enable && tc.ExportEndpoint != "" {
				tp, err := tracing.InitTracer(tracing.OTelConfig{
					ServiceName:    tc.ServiceName,
					ExportEndpoint: tc.ExportEndpoint,
					Insecure:       tc.Insecure,
				})
				if err != nil {
					logger.Warn("链路追踪初始化失败", "error", err)
				} else {
					defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
				}
			}
			boot, err := app.NewBootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = boot.Close() }()
			res, err := boot.Pipeline.Run(ctx, agent.Query{
				Text:       strings.Join(args, " "),
				ProposalID: proposalID,
				Context:    extra,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "关联的治理提案 ID，如 PROP-42")
	cmd.Flags().StringVar(&extra, "context", "", "附加上下文")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
