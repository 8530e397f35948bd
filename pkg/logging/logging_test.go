package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNew はNew関数を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("指定したレベルでロガーが生成されること", func(t *testing.T) {
		t.Parallel()

		log, err := New("debug")
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if !log.Core().Enabled(zapcore.DebugLevel) {
			t.Error("debugレベルが有効になっていない")
		}
	})

	t.Run("空文字列の場合はinfoレベルになること", func(t *testing.T) {
		t.Parallel()

		log, err := New("")
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if log.Core().Enabled(zapcore.DebugLevel) {
			t.Error("debugレベルが有効になっている")
		}
		if !log.Core().Enabled(zapcore.InfoLevel) {
			t.Error("infoレベルが無効になっている")
		}
	})

	t.Run("不正なレベルの場合はエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("verbose"); err == nil {
			t.Fatal("不正なレベルでエラーが返るべき")
		}
	})
}
