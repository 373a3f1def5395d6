package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration 配置文件中的时长字段
//
// 握手超时、退避和清扫周期都用它表示。JSON 中可以写成 "10s" 这样的字符串，
// 也可以写成纳秒整数；负值在解析时即被拒绝，Validate 不必再逐项检查符号。
type Duration time.Duration

// UnmarshalJSON 解析字符串或纳秒整数
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: duration: %w", err)
	}

	var v time.Duration
	switch x := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("config: duration %q: %w", x, err)
		}
		v = parsed
	case float64:
		if x != float64(int64(x)) {
			return fmt.Errorf("config: duration %v is not whole nanoseconds", x)
		}
		v = time.Duration(x)
	default:
		return fmt.Errorf("config: duration must be a string like \"10s\" or integer nanoseconds, got %s", data)
	}

	if v < 0 {
		return fmt.Errorf("config: negative duration %s", v)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON 总是写成字符串，便于 notifyd config 输出后手工编辑
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
