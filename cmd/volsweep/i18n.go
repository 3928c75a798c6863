package main

import (
	"github.com/ideamans/go-l10n"
)

func init() {
	l10n.Register("ja", l10n.LexiconMap{
		// Commands
		"Run Slicer command-line modules over numbered MRI volumes": "番号付きMRIボリュームにSlicerのコマンドラインモジュールを実行",
		"List the volumes matching a numbered file pattern":         "番号付きファイルパターンに一致するボリュームを一覧表示",
		"Run the sweeps described by a job file":                    "ジョブファイルに記述されたスイープを実行",
		"Check that every stage tool can be found on this host":     "各ステージのツールがこのホストで見つかるか確認",

		// Flags
		"Log level (debug, info, warn, error)":    "ログレベル（debug, info, warn, error）",
		"Highest index to include (0 = no limit)": "含める最大インデックス（0 = 制限なし）",
		"Stage definitions file (stages.toml)":    "ステージ定義ファイル（stages.toml）",

		// Output
		"interrupt received, shutting down gracefully...": "割り込みを受信しました。安全に終了しています...",

		"%d volumes found": "%d 個のボリュームが見つかりました",

		// Summary
		"  %s: %d succeeded, %d failed, %d skipped (mean %.2fs, stddev %.2fs)": "  %s: 成功 %d、失敗 %d、スキップ %d（平均 %.2f秒、標準偏差 %.2f秒）",
		"Job: %s":         "ジョブ: %s",
		"Items: %d":       "ボリューム数: %d",
		"Total runs: %d":  "総実行数: %d",
		"Succeeded: %d":   "成功: %d",
		"Failed: %d":      "失敗: %d",
		"Skipped: %d":     "スキップ: %d",
		"Interrupted: %d": "中断: %d",
		"Cost: $%.4f":     "コスト: $%.4f",
		"Duration: %.2fs": "所要時間: %.2f秒",
		"Cancelled":       "キャンセルされました",
		"missing":         "見つかりません",
	})
}
