package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// Error 单条校验失败，Field 指向配置中的字段 id
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var vd = validator.New()

// Validate 对一条记录执行字段配置中的全部规则
// 错误逐条累积不提前返回，required 未通过时跳过该字段的其余规则
func Validate(data record.Record, fields []schema.Field) []Error {
	var errs []Error
	for i := range fields {
		errs = append(errs, validateField(data, &fields[i])...)
	}
	return errs
}

func validateField(data record.Record, field *schema.Field) []Error {
	var errs []Error
	value, present := data[field.ID]
	missing := !present || value == nil || value == ""

	for i := range field.Validations {
		rule := &field.Validations[i]
		if rule.Type != schema.RuleRequired {
			continue
		}
		if !conditionMet(data, rule.Condition) {
			continue
		}
		if missing {
			errs = append(errs, newError(field, rule, "is required"))
			return errs
		}
	}
	if missing {
		// 字段级 required 开关独立于规则列表生效
		if field.Required {
			errs = append(errs, Error{Field: field.ID, Message: "is required"})
		}
		// 可选字段缺失或为空时不触发其余规则
		return errs
	}

	for i := range field.Validations {
		rule := &field.Validations[i]
		if rule.Type == schema.RuleRequired {
			continue
		}
		if !conditionMet(data, rule.Condition) {
			continue
		}
		if err := validateRule(value, rule, field, data); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// conditionMet 条件缺失视为恒真，无法比较的值组合视为不满足
func conditionMet(data record.Record, cond *schema.Condition) bool {
	if cond == nil {
		return true
	}
	return evaluateCondition(data, cond)
}

func evaluateCondition(data record.Record, cond *schema.Condition) bool {
	actual, present := data[cond.Field]
	if !present {
		return false
	}

	switch cond.Operator {
	case schema.OpEquals:
		return record.Equal(actual, cond.Value)
	case schema.OpNotEquals:
		return !record.Equal(actual, cond.Value)
	case schema.OpGreater, schema.OpLess, schema.OpGreaterEq, schema.OpLessEq:
		a, aok := record.ToFloat(actual)
		b, bok := record.ToFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Operator {
		case schema.OpGreater:
			return a > b
		case schema.OpLess:
			return a < b
		case schema.OpGreaterEq:
			return a >= b
		default:
			return a <= b
		}
	case schema.OpContains, schema.OpNotContains:
		s, sok := actual.(string)
		sub, subok := cond.Value.(string)
		if !sok || !subok {
			return false
		}
		if cond.Operator == schema.OpContains {
			return strings.Contains(s, sub)
		}
		return !strings.Contains(s, sub)
	case schema.OpIn, schema.OpNotIn:
		items, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range items {
			if record.Equal(actual, item) {
				found = true
				break
			}
		}
		if cond.Operator == schema.OpIn {
			return found
		}
		return !found
	}
	return false
}

var (
	ssnRe = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)

	postalRes = map[string]*regexp.Regexp{
		"US": regexp.MustCompile(`^\d{5}(-\d{4})?$`),
		"CA": regexp.MustCompile(`^[A-Za-z]\d[A-Za-z][ -]?\d[A-Za-z]\d$`),
		"GB": regexp.MustCompile(`^[A-Za-z]{1,2}\d[A-Za-z\d]?\s*\d[A-Za-z]{2}$`),
		"DE": regexp.MustCompile(`^\d{5}$`),
		"FR": regexp.MustCompile(`^\d{5}$`),
		"JP": regexp.MustCompile(`^\d{3}-\d{4}$`),
		"CN": regexp.MustCompile(`^\d{6}$`),
	}
)

// validateRule 按规则类型封闭分派
// 字符串类规则只作用于字符串值，其他类型直接通过
func validateRule(value any, rule *schema.ValidationRule, field *schema.Field, data record.Record) *Error {
	switch rule.Type {
	case schema.RuleMinLength:
		if s, ok := value.(string); ok && len([]rune(s)) < rule.Length {
			return errp(field, rule, fmt.Sprintf("must be at least %d characters", rule.Length))
		}
	case schema.RuleMaxLength:
		if s, ok := value.(string); ok && len([]rune(s)) > rule.Length {
			return errp(field, rule, fmt.Sprintf("must be at most %d characters", rule.Length))
		}
	case schema.RulePattern:
		s, ok := value.(string)
		if !ok {
			return nil
		}
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			logx.Default().Warn("invalid validation regex", "field", field.ID, "regex", rule.Regex, "error", err)
			return nil
		}
		if !re.MatchString(s) {
			return errp(field, rule, "does not match the required pattern")
		}
	case schema.RuleMin:
		if n, ok := record.ToFloat(value); ok && n < rule.Min {
			return errp(field, rule, fmt.Sprintf("must be at least %v", rule.Min))
		}
	case schema.RuleMax:
		if n, ok := record.ToFloat(value); ok && n > rule.Max {
			return errp(field, rule, fmt.Sprintf("must be at most %v", rule.Max))
		}
	case schema.RuleBetween:
		if n, ok := record.ToFloat(value); ok && (n < rule.Min || n > rule.Max) {
			return errp(field, rule, fmt.Sprintf("must be between %v and %v", rule.Min, rule.Max))
		}
	case schema.RuleEmail:
		return checkFormat(value, "email", field, rule, "must be a valid email address")
	case schema.RuleURL:
		return checkFormat(value, "url", field, rule, "must be a valid URL")
	case schema.RulePhone:
		return checkFormat(value, "e164", field, rule, "must be a valid phone number")
	case schema.RuleUUID:
		return checkFormat(value, "uuid", field, rule, "must be a valid UUID")
	case schema.RuleIPv4:
		return checkFormat(value, "ipv4", field, rule, "must be a valid IPv4 address")
	case schema.RuleIPv6:
		return checkFormat(value, "ipv6", field, rule, "must be a valid IPv6 address")
	case schema.RuleMacAddress:
		return checkFormat(value, "mac", field, rule, "must be a valid MAC address")
	case schema.RuleIBAN:
		if s, ok := value.(string); ok && !iban(s) {
			return errp(field, rule, "must be a valid IBAN")
		}
	case schema.RuleISBN:
		return checkFormat(value, "isbn", field, rule, "must be a valid ISBN")
	case schema.RuleBase64:
		return checkFormat(value, "base64", field, rule, "must be valid base64")
	case schema.RuleHex:
		return checkFormat(value, "hexadecimal", field, rule, "must be a valid hexadecimal string")
	case schema.RuleASCII:
		return checkFormat(value, "ascii", field, rule, "must contain only ASCII characters")
	case schema.RuleAlphaNumeric:
		return checkFormat(value, "alphanum", field, rule, "must contain only letters and numbers")
	case schema.RuleJSON:
		return checkFormat(value, "json", field, rule, "must be valid JSON")
	case schema.RuleLuhn:
		if s, ok := value.(string); ok && !luhn(s) {
			return errp(field, rule, "failed checksum validation")
		}
	case schema.RuleCreditCard:
		if s, ok := value.(string); ok {
			digits := digitsOf(s)
			if len(digits) < 13 || len(digits) > 19 || !luhn(s) {
				return errp(field, rule, "must be a valid credit card number")
			}
		}
	case schema.RuleSSN:
		if s, ok := value.(string); ok && !ssnRe.MatchString(s) {
			return errp(field, rule, "must be a valid SSN")
		}
	case schema.RulePostalCode:
		s, ok := value.(string)
		if !ok {
			return nil
		}
		re, known := postalRes[strings.ToUpper(rule.CountryCode)]
		if !known {
			logx.Default().Debug("no postal code pattern for country", "country", rule.CountryCode)
			return nil
		}
		if !re.MatchString(s) {
			return errp(field, rule, fmt.Sprintf("must be a valid %s postal code", strings.ToUpper(rule.CountryCode)))
		}
	case schema.RuleStrongPassword:
		if s, ok := value.(string); ok {
			if msg := weakPasswordReason(s, rule); msg != "" {
				return errp(field, rule, msg)
			}
		}
	case schema.RuleNotEmpty:
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return errp(field, rule, "must not be empty")
		}
	case schema.RuleFuture:
		if t, ok := parseDate(value); ok && !t.After(time.Now()) {
			return errp(field, rule, "must be a date in the future")
		}
	case schema.RulePast:
		if t, ok := parseDate(value); ok && !t.Before(time.Now()) {
			return errp(field, rule, "must be a date in the past")
		}
	case schema.RuleMinAge:
		if t, ok := parseDate(value); ok && age(t) < rule.Years {
			return errp(field, rule, fmt.Sprintf("must be at least %d years old", rule.Years))
		}
	case schema.RuleMaxAge:
		if t, ok := parseDate(value); ok && age(t) > rule.Years {
			return errp(field, rule, fmt.Sprintf("must be at most %d years old", rule.Years))
		}
	case schema.RuleDateRange:
		start, sok := parseDate(data[rule.StartField])
		end, eok := parseDate(data[rule.EndField])
		if sok && eok && start.After(end) {
			return errp(field, rule, fmt.Sprintf("%s must not be after %s", rule.StartField, rule.EndField))
		}
	case schema.RuleMatchField:
		if !record.Equal(value, data[rule.Field]) {
			return errp(field, rule, fmt.Sprintf("must match %s", rule.Field))
		}
	case schema.RuleDependsOn:
		dep, present := data[rule.Field]
		if !present || dep == nil || dep == "" {
			return errp(field, rule, fmt.Sprintf("requires %s to be set", rule.Field))
		}
	case schema.RuleUniqueIn, schema.RuleFileSize, schema.RuleFileType:
		// 需要外部上下文（数据源查询、文件元信息），这里只记录不拦截
		logx.Default().Debug("validation rule requires external context, skipped", "rule", rule.Type, "field", field.ID)
	case schema.RuleCustomFunction:
		logx.Default().Warn("custom validation function not registered, skipped", "function", rule.FunctionName, "field", field.ID)
	default:
		logx.Default().Warn("unknown validation rule type", "rule", rule.Type, "field", field.ID)
	}
	return nil
}

func checkFormat(value any, tag string, field *schema.Field, rule *schema.ValidationRule, message string) *Error {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	if err := vd.Var(s, tag); err != nil {
		return errp(field, rule, message)
	}
	return nil
}

func weakPasswordReason(s string, rule *schema.ValidationRule) string {
	minLength := rule.MinLength
	if minLength == 0 {
		minLength = 8
	}
	if len([]rune(s)) < minLength {
		return fmt.Sprintf("must be at least %d characters", minLength)
	}
	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasNumber = true
		default:
			hasSpecial = true
		}
	}
	switch {
	case rule.RequireUppercase && !hasUpper:
		return "must contain an uppercase letter"
	case rule.RequireLowercase && !hasLower:
		return "must contain a lowercase letter"
	case rule.RequireNumber && !hasNumber:
		return "must contain a number"
	case rule.RequireSpecial && !hasSpecial:
		return "must contain a special character"
	}
	return ""
}

// iban 国际银行账号的 mod-97 校验，前四位移到末尾后按字母转数字求余
func iban(s string) bool {
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	remainder := 0
	for _, r := range rearranged {
		var part int
		switch {
		case r >= '0' && r <= '9':
			part = int(r - '0')
		case r >= 'A' && r <= 'Z':
			part = int(r-'A') + 10
		default:
			return false
		}
		if part >= 10 {
			remainder = (remainder*100 + part) % 97
		} else {
			remainder = (remainder*10 + part) % 97
		}
	}
	return remainder == 1
}

// luhn 模 10 校验和，少于两位数字视为无效
func luhn(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func digitsOf(s string) []int {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	return digits
}

// parseDate 依次尝试 RFC3339 和 2006-01-02
func parseDate(value any) (time.Time, bool) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func age(birth time.Time) int {
	now := time.Now()
	years := now.Year() - birth.Year()
	if now.YearDay() < birth.YearDay() {
		years--
	}
	return years
}

func newError(field *schema.Field, rule *schema.ValidationRule, message string) Error {
	if rule.Message != "" {
		message = rule.Message
	}
	return Error{Field: field.ID, Message: message}
}

func errp(field *schema.Field, rule *schema.ValidationRule, message string) *Error {
	e := newError(field, rule, message)
	return &e
}
