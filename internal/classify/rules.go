package classify

// Rule maps a log pattern to a category and subcategory. Rules are tried in
// order and the first match wins.
type Rule struct {
	Category    string  `toml:"category"`
	Subcategory string  `toml:"subcategory"`
	Pattern     string  `toml:"pattern"`
	Boost       float64 `toml:"boost"`
}

// Categories.
const (
	CategoryConfig     = "config"
	CategoryAuth       = "auth"
	CategoryResource   = "resource"
	CategoryDependency = "dependency"
	CategoryDrift      = "drift"
	CategoryUnknown    = "unknown"
)

// DefaultRules is the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{CategoryConfig, "syntax_error", `(?i)(yaml|json|yml).*(syntax|parse|invalid|malformed|indent)`, 0.20},
		{CategoryConfig, "missing_secret", `(?i)secret.*(not found|does not exist|missing|not set)`, 0.18},
		{CategoryConfig, "reference_error", `(?i)(secret|configmap|volume|pvc).*(not found|does not exist|missing)`, 0.15},
		{CategoryConfig, "image_reference_error", `(?i)(image|tag|docker).*(not found|pull.*failed|does not exist|\b40[13]\b)`, 0.15},
		{CategoryConfig, "validation_error", `(?i)(field|property|attribute).*(required|missing|invalid|unknown)`, 0.12},

		{CategoryAuth, "permission_error", `(?i)(unauthorized|forbidden|access denied|authentication failed|\b40[13]\b)`, 0.18},
		{CategoryAuth, "expired_credentials", `(?i)(token|credential|certificate|key).*(expired|invalid|revoked|not found)`, 0.15},
		{CategoryAuth, "rbac_error", `(?i)(rbac|role|permission|policy).*(denied|insufficient|missing)`, 0.15},

		{CategoryResource, "memory_limit", `(?i)(oomkilled|out of memory|memory limit|memory.*exceeded)`, 0.20},
		{CategoryResource, "compute_limit", `(?i)(cpu.*throttl|cpu.*limit|resource.*quota|quota.*exceeded)`, 0.15},
		{CategoryResource, "storage_limit", `(?i)(disk.*full|storage.*exceeded|space.*unavailable|no.*space)`, 0.15},
		{CategoryResource, "scheduling_failure", `(?i)(pending|unschedulable|insufficient.*resources|node.*capacity)`, 0.10},

		{CategoryDependency, "network_timeout", `(?i)(connection.*timeout|network.*timeout|dial.*timeout|i/o timeout)`, 0.15},
		{CategoryDependency, "network_failure", `(?i)(connection.*refused|connection.*reset|network.*unreachable)`, 0.15},
		{CategoryDependency, "service_unavailable", `(?i)(service.*unavailable|endpoint.*unreachable|\b50[234]\b)`, 0.12},
		{CategoryDependency, "dns_failure", `(?i)(dns.*resolution|name.*not.*resolved|no such host)`, 0.15},

		{CategoryDrift, "state_inconsistency", `(?i)(state.*inconsistent|drift.*detected|configuration.*drift)`, 0.10},
		{CategoryDrift, "version_drift", `(?i)(version.*mismatch|api.*version|schema.*migration)`, 0.07},
	}
}
