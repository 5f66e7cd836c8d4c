// Package intent classifies chat messages and extracts structured
// fields from free text. Heuristics live here, behind an interface, so
// the streaming protocol never depends on locale-specific patterns.
package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CountIntent is a structured customer-count question.
type CountIntent struct {
	Keyword string // raw keyword, dimension not yet known
	City    string // set when the text names the dimension explicitly
}

// FollowUpIntent is a structured follow-up creation request.
type FollowUpIntent struct {
	CustomerName string
	Content      string
	Method       string
	FollowTime   *time.Time
	Participants []string
}

// Extractor classifies messages and pulls fields out of free text.
type Extractor interface {
	CountIntent(text string) (*CountIntent, bool)
	FollowUpIntent(text string, now time.Time) (*FollowUpIntent, bool)
	IsExitEdit(text string) bool
	ExtractFields(text string, now time.Time) map[string]any
}

// RuleExtractor is the default pattern-based extractor.
type RuleExtractor struct{}

// NewRuleExtractor returns the default extractor.
func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{}
}

var (
	countSuffixRe  = regexp.MustCompile(`(?:有)?(?:多少|几)\s*(?:家|个|位)`)
	countKeywordRe = regexp.MustCompile(`(?:查一下|查查|查询|看看|统计|数数)?\s*([^\s，。？！]{1,12}?)(?:的)?客户`)
	countCityRe    = regexp.MustCompile(`城市(?:是|为)([^\s，。？！的]{1,12})`)
	countEnRe      = regexp.MustCompile(`(?i)how many customers(?:\s+in\s+([\w\p{Han}]+))?`)

	followUpRe   = regexp.MustCompile(`(?:创建|新建|记|添加|安排|写|建)\s*(?:一条|一个|个)?\s*跟进|跟进一下|帮我跟进|(?i)follow[- ]?up`)
	customerRe   = regexp.MustCompile(`(?:客户|公司)[「【"']?([^」】"'\s，。；:：]{2,20})[」】"']?|给([^\s，。；:：]{2,20}?)(?:这个)?客户`)
	contentRe    = regexp.MustCompile(`(?:内容|备注)(?:是|为)?[:：]?\s*([^，。；]{1,100})`)
	participants = regexp.MustCompile(`(?:和|跟|叫上)([^\s，。；]{1,30}?)一起`)

	dateRe    = regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`)
	cnDateRe  = regexp.MustCompile(`(\d{1,2})月(\d{1,2})[日号]`)
	daysAfter = regexp.MustCompile(`(\d+)天[后後]`)
	clockRe   = regexp.MustCompile(`(上午|下午|晚上)?(\d{1,2})[点:：](\d{0,2})`)
)

var exitEditPhrases = []string{
	"退出编辑", "取消编辑", "不改了", "算了", "先这样", "就这样吧",
	"exit", "quit", "stop editing",
}

var methodAliases = map[string]string{
	"电话": "phone", "打电话": "phone", "call": "phone", "phone": "phone",
	"拜访": "visit", "上门": "visit", "visit": "visit",
	"微信": "wechat", "wechat": "wechat",
	"邮件": "email", "email": "email",
	"会议": "meeting", "开会": "meeting", "meeting": "meeting",
}

// CountIntent matches structured customer-count questions such as
// "帮我查一下深圳客户有多少家". The keyword dimension (name / org unit /
// city) is left ambiguous for the tool layer to resolve or clarify.
func (e *RuleExtractor) CountIntent(text string) (*CountIntent, bool) {
	if m := countEnRe.FindStringSubmatch(text); m != nil {
		return &CountIntent{Keyword: m[1]}, true
	}
	if !strings.Contains(text, "客户") || !countSuffixRe.MatchString(text) {
		return nil, false
	}
	intent := &CountIntent{}
	if m := countCityRe.FindStringSubmatch(text); m != nil {
		intent.City = m[1]
		return intent, true
	}
	if m := countKeywordRe.FindStringSubmatch(text); m != nil {
		kw := trimLeadFiller(m[1])
		if kw != "" && kw != "有" && !strings.Contains(kw, "多少") {
			intent.Keyword = kw
		}
	}
	return intent, true
}

var leadFillers = []string{
	"帮我", "请", "麻烦", "想要", "我想",
	"查一下", "查查", "查询", "看看", "统计", "数数", "查",
}

// trimLeadFiller strips polite/verb prefixes the keyword capture drags
// along, e.g. "帮我查一下深圳" becomes "深圳".
func trimLeadFiller(kw string) string {
	for changed := true; changed; {
		changed = false
		for _, p := range leadFillers {
			if strings.HasPrefix(kw, p) {
				kw = strings.TrimPrefix(kw, p)
				changed = true
			}
		}
	}
	return kw
}

// FollowUpIntent matches follow-up creation requests and prefills what
// the text already states.
func (e *RuleExtractor) FollowUpIntent(text string, now time.Time) (*FollowUpIntent, bool) {
	if !followUpRe.MatchString(text) {
		return nil, false
	}
	intent := &FollowUpIntent{
		CustomerName: extractCustomerName(text),
		Method:       NormalizeMethod(text),
		Participants: extractParticipants(text),
	}
	if m := contentRe.FindStringSubmatch(text); m != nil {
		intent.Content = strings.TrimSpace(m[1])
	}
	if t, ok := ParseTime(text, now); ok {
		intent.FollowTime = &t
	}
	return intent, true
}

// IsExitEdit reports whether the message asks to leave draft editing.
func (e *RuleExtractor) IsExitEdit(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range exitEditPhrases {
		if t == p || strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// ExtractFields applies best-effort extraction for draft patching.
// Only fields the text actually mentions are returned.
func (e *RuleExtractor) ExtractFields(text string, now time.Time) map[string]any {
	fields := make(map[string]any)
	if name := extractCustomerName(text); name != "" {
		fields["customer_name"] = name
	}
	if m := contentRe.FindStringSubmatch(text); m != nil {
		fields["content"] = strings.TrimSpace(m[1])
	}
	if method := NormalizeMethod(text); method != "" {
		fields["method"] = method
	}
	if t, ok := ParseTime(text, now); ok {
		fields["follow_time"] = t.Format(time.RFC3339)
	}
	if ps := extractParticipants(text); len(ps) > 0 {
		fields["participants"] = ps
	}
	return fields
}

func extractCustomerName(text string) string {
	m := customerRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

func extractParticipants(text string) []string {
	m := participants.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	raw := strings.FieldsFunc(m[1], func(r rune) bool {
		return r == '、' || r == ',' || r == '，' || r == '和'
	})
	var out []string
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizeMethod maps free-text contact methods to canonical enum
// values. Returns "" when the text names no known method.
func NormalizeMethod(text string) string {
	lower := strings.ToLower(text)
	for alias, canonical := range methodAliases {
		if strings.Contains(lower, alias) {
			return canonical
		}
	}
	return ""
}

// ParseTime parses absolute and relative date phrases, including
// "今天/明天/后天", "N天后", "M月D日" and "YYYY-MM-DD", with an optional
// clock time.
func ParseTime(text string, now time.Time) (time.Time, bool) {
	day, ok := parseDay(text, now)
	if !ok {
		return time.Time{}, false
	}
	hour, min := 9, 0 // default to the start of the workday
	if m := clockRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[2])
		if m[1] == "下午" || m[1] == "晚上" {
			if h < 12 {
				h += 12
			}
		}
		hour = h
		if m[3] != "" {
			min, _ = strconv.Atoi(m[3])
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, now.Location()), true
}

func parseDay(text string, now time.Time) (time.Time, bool) {
	switch {
	case strings.Contains(text, "大后天"):
		return now.AddDate(0, 0, 3), true
	case strings.Contains(text, "后天"):
		return now.AddDate(0, 0, 2), true
	case strings.Contains(text, "明天") || strings.Contains(strings.ToLower(text), "tomorrow"):
		return now.AddDate(0, 0, 1), true
	case strings.Contains(text, "今天") || strings.Contains(strings.ToLower(text), "today"):
		return now, true
	}
	if m := daysAfter.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.AddDate(0, 0, n), true
	}
	if m := dateRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, now.Location()), true
	}
	if m := cnDateRe.FindStringSubmatch(text); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		t := time.Date(now.Year(), time.Month(mo), d, 0, 0, 0, 0, now.Location())
		if t.Before(now.AddDate(0, 0, -1)) {
			t = t.AddDate(1, 0, 0)
		}
		return t, true
	}
	return time.Time{}, false
}
