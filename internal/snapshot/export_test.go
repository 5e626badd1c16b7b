package snapshot

import "time"

// SetNowFunc 测试用时钟注入
func SetNowFunc(g *Generator, fn func() time.Time) {
	g.nowFunc = fn
}
