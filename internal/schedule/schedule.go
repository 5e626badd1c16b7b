package schedule

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// 唤醒计划表达式语法（设备侧小语法，作用于小时粒度）:
//   "*"       — 每小时唤醒一次
//   "*/N"     — 每 N 小时唤醒一次
//   "8,16"    — 在本地时间固定的若干整点唤醒
//   "8"       — 在本地时间单个整点唤醒
// 计算必须是纯函数且全函数：任何无法解析的表达式退回固定
// 24 小时间隔，绝不让唤醒失败

// DefaultInterval 表达式无法解析时的退回间隔
const DefaultInterval = 24 * time.Hour

// ErrUnparseable 表达式无法解析
var ErrUnparseable = errors.New("unparseable wake schedule expression")

// Schedule 解析后的唤醒计划
type Schedule struct {
	everyHours int   // >0 表示间隔模式
	fixedHours []int // 非空表示固定整点模式（升序）
}

// Parse 解析唤醒计划表达式
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrUnparseable
	}

	if expr == "*" {
		return &Schedule{everyHours: 1}, nil
	}

	if strings.HasPrefix(expr, "*/") {
		n, err := strconv.Atoi(expr[2:])
		if err != nil || n <= 0 || n > 24 {
			return nil, ErrUnparseable
		}
		return &Schedule{everyHours: n}, nil
	}

	// 固定整点列表（单个整点是长度为 1 的列表）
	parts := strings.Split(expr, ",")
	hours := make([]int, 0, len(parts))
	seen := make(map[int]bool)
	for _, p := range parts {
		h, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || h < 0 || h > 23 {
			return nil, ErrUnparseable
		}
		if !seen[h] {
			hours = append(hours, h)
			seen[h] = true
		}
	}
	sort.Ints(hours)
	return &Schedule{fixedHours: hours}, nil
}

// Next 计算 lastWake 之后的下一个唤醒时刻
func (s *Schedule) Next(lastWake time.Time, loc *time.Location) time.Time {
	if s.everyHours > 0 {
		return lastWake.Add(time.Duration(s.everyHours) * time.Hour)
	}

	local := lastWake.In(loc)
	for _, h := range s.fixedHours {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), h, 0, 0, 0, loc)
		if candidate.After(local) {
			return candidate
		}
	}
	// 当天的整点都已过去，取次日第一个整点
	nextDay := local.AddDate(0, 0, 1)
	return time.Date(nextDay.Year(), nextDay.Month(), nextDay.Day(), s.fixedHours[0], 0, 0, 0, loc)
}

// WakesPerDay 一个本地日历日内的预期唤醒次数
func (s *Schedule) WakesPerDay() int {
	if s.everyHours > 0 {
		return 24 / s.everyHours
	}
	return len(s.fixedHours)
}

// NextWake 计算下一个唤醒时刻，表达式无法解析时退回 +24h
func NextWake(expr string, lastWake time.Time, loc *time.Location) time.Time {
	sched, err := Parse(expr)
	if err != nil {
		return lastWake.Add(DefaultInterval)
	}
	return sched.Next(lastWake, loc)
}

// ExpectedWakesPerDay 一个本地日的预期唤醒次数，无法解析时按 1 计
func ExpectedWakesPerDay(expr string) int {
	sched, err := Parse(expr)
	if err != nil {
		return 1
	}
	return sched.WakesPerDay()
}
