package evaluation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
)

var regexCache sync.Map // pattern -> *regexp.Regexp

func cachedRegexp(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// functions are the named transforms available to rule expressions, on top of
// the interpreter's builtins (lower, upper, len, trim, ...).
func functions() []expr.Option {
	return []expr.Option{
		expr.Function("regexMatch", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("regexMatch(value, pattern) takes 2 arguments, got %d", len(params))
			}
			pattern, ok := params[1].(string)
			if !ok {
				return nil, fmt.Errorf("regexMatch: pattern must be a string")
			}
			re, err := cachedRegexp(pattern)
			if err != nil {
				return nil, fmt.Errorf("regexMatch: %w", err)
			}
			if params[0] == nil {
				return false, nil
			}
			return re.MatchString(fmt.Sprint(params[0])), nil
		}),
		expr.Function("toNumber", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("toNumber(value) takes 1 argument, got %d", len(params))
			}
			return toFloat(params[0])
		}),
		expr.Function("between", func(params ...any) (any, error) {
			if len(params) != 3 {
				return nil, fmt.Errorf("between(value, low, high) takes 3 arguments, got %d", len(params))
			}
			nums := make([]float64, 3)
			for i, p := range params {
				f, err := toFloat(p)
				if err != nil {
					return nil, fmt.Errorf("between: %w", err)
				}
				nums[i] = f
			}
			return nums[0] >= nums[1] && nums[0] <= nums[2], nil
		}),
		expr.Function("isBlank", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("isBlank(value) takes 1 argument, got %d", len(params))
			}
			switch v := params[0].(type) {
			case nil:
				return true, nil
			case string:
				return strings.TrimSpace(v) == "", nil
			default:
				return false, nil
			}
		}),
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%T is not numeric", v)
	}
}
