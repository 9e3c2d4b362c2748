package jobs

// Error はAPI応答のコードとメッセージを持つエラーです。ハンドラー層は
// このコードからHTTPステータスを決定します。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
