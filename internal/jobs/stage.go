package jobs

// Stage はクライアントへ公開する進捗フェーズです。
// 内部パイプラインのステージ名はリファクタリングで増減するため、
// 公開語彙はこの4つに固定されています。
type Stage string

const (
	StageAnalysis    Stage = "analysis"
	StagePlanning    Stage = "planning"
	StageGeneration  Stage = "generation"
	StageComposition Stage = "composition"
)

// internalStages は内部パイプラインのステージ名から公開フェーズへの
// 対応表です。内部名の変更はこの表の更新だけでクライアントから隠蔽されます。
var internalStages = map[string]Stage{
	// 解析系
	"analysis":          StageAnalysis,
	"document-analysis": StageAnalysis,
	"layout-analysis":   StageAnalysis,
	"color-extraction":  StageAnalysis,
	"content-scan":      StageAnalysis,

	// 計画系
	"planning":             StagePlanning,
	"strategy-selection":   StagePlanning,
	"enhancement-planning": StagePlanning,
	"prompt-building":      StagePlanning,

	// 生成系
	"generation":            StageGeneration,
	"image-generation":      StageGeneration,
	"background-generation": StageGeneration,
	"asset-generation":      StageGeneration,
	"text-enhancement":      StageGeneration,
	"color-correction":      StageGeneration,

	// 合成系
	"composition":    StageComposition,
	"compositing":    StageComposition,
	"final-assembly": StageComposition,
	"rendering":      StageComposition,
	"export":         StageComposition,
	"upload":         StageComposition,
}

// MapStage は内部ステージ名を公開フェーズに変換します。
// 未知の内部名は一律 planning として扱います。実行中ジョブの中立的な
// フェーズであり、未知の名前が完了間際と誤解されることを避けています。
func MapStage(internal string) Stage {
	if stage, ok := internalStages[internal]; ok {
		return stage
	}
	return StagePlanning
}
