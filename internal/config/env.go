package config

import (
	"strconv"
	"strings"
	"time"
)

// Environment variable names recognized on top of the config file. List
// values are comma separated; durations are milliseconds.
const (
	EnvDataPath       = "DATA_PATH"
	EnvStorageType    = "STORAGE_TYPE"
	EnvLogLevelGlobal = "LOG_LEVEL_GLOBAL"
	EnvLogLevelPrefix = "LOG_LEVEL_"

	EnvNewChatMaxReusableAgeMS = "NEW_CHAT_MAX_REUSABLE_AGE_MS"
	EnvNewChatReusableTitle    = "NEW_CHAT_REUSABLE_TITLE"
	EnvNewChatOptimization     = "NEW_CHAT_ENABLE_OPTIMIZATION"

	EnvHITLDefaultTimeoutMS = "HITL_DEFAULT_TIMEOUT_MS"

	EnvSkillsUserRoots    = "SKILLS_USER_ROOTS"
	EnvSkillsProjectRoots = "SKILLS_PROJECT_ROOTS"
)

// applyEnv layers environment overrides onto cfg. environ uses the
// "KEY=value" form of os.Environ so tests can inject values.
func applyEnv(cfg *Config, environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case EnvDataPath:
			cfg.DataPath = value
		case EnvStorageType:
			cfg.Storage.Type = strings.ToLower(strings.TrimSpace(value))
		case EnvLogLevelGlobal:
			cfg.Logging.Level = value
		case EnvNewChatMaxReusableAgeMS:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
				cfg.NewChat.MaxReusableAge = time.Duration(ms) * time.Millisecond
			}
		case EnvNewChatReusableTitle:
			cfg.NewChat.ReusableTitle = value
		case EnvNewChatOptimization:
			if b, err := strconv.ParseBool(value); err == nil {
				cfg.NewChat.EnableOptimization = &b
			}
		case EnvHITLDefaultTimeoutMS:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
				cfg.HITL.DefaultTimeout = time.Duration(ms) * time.Millisecond
			}
		case EnvSkillsUserRoots:
			cfg.Skills.UserRoots = splitList(value)
		case EnvSkillsProjectRoots:
			cfg.Skills.ProjectRoots = splitList(value)
		default:
			// LOG_LEVEL_<CATEGORY>: the category part keeps whatever
			// separator style the caller used; the logger normalizes it.
			if cat, found := strings.CutPrefix(key, EnvLogLevelPrefix); found && cat != "GLOBAL" {
				if cfg.Logging.Categories == nil {
					cfg.Logging.Categories = map[string]string{}
				}
				cfg.Logging.Categories[cat] = value
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
