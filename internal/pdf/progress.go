package pdf

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

// 進捗の段階名
const (
	StageLoad     = "load"
	StageProcess  = "process"
	StageWrite    = "write"
	StageComplete = "completed"
)

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}

// attemptPercent は n 回中 i 回目の試行を 20〜80% の範囲に割り当てます。
func attemptPercent(i, n int) int {
	if n <= 0 {
		return 20
	}
	return 20 + 60*i/n
}
