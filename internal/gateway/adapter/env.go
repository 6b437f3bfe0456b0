package adapter

import (
	"os"
	"strings"
)

// sensitiveEnvKeys are stripped from agent child environments unless
// the operator whitelists them via --pass-env.
var sensitiveEnvKeys = map[string]struct{}{
	"AWS_ACCESS_KEY_ID":     {},
	"AWS_SECRET_ACCESS_KEY": {},
	"AWS_SESSION_TOKEN":     {},
	"GITHUB_TOKEN":          {},
	"GH_TOKEN":              {},
	"GITLAB_TOKEN":          {},
	"NPM_TOKEN":             {},
	"OPENAI_API_KEY":        {},
	"ANTHROPIC_API_KEY":     {},
	"GOOGLE_API_KEY":        {},
	"GEMINI_API_KEY":        {},
	"HF_TOKEN":              {},
	"DATABASE_URL":          {},
	"PGPASSWORD":            {},
	"MYSQL_PWD":             {},
	"SSH_AUTH_SOCK":         {},
}

// sensitiveEnvPrefixes catch the long tail of provider credentials.
var sensitiveEnvPrefixes = []string{
	"AWS_",
	"AZURE_",
	"GCP_",
	"DO_",
	"VAULT_",
	"K8S_",
	"KUBE_",
}

// sensitiveEnvSuffixes match by naming convention.
var sensitiveEnvSuffixes = []string{
	"_TOKEN",
	"_SECRET",
	"_PASSWORD",
	"_API_KEY",
	"_PRIVATE_KEY",
	"_CREDENTIALS",
}

// neverPassableKeys are stripped unconditionally: they alter process
// loading and would let a room member inject code into the agent CLI.
// No whitelist overrides these.
var neverPassableKeys = map[string]struct{}{
	"LD_PRELOAD":            {},
	"LD_LIBRARY_PATH":       {},
	"DYLD_INSERT_LIBRARIES": {},
	"NODE_OPTIONS":          {},
	"PYTHONSTARTUP":         {},
	"PERL5OPT":              {},
	"RUBYOPT":               {},
}

// SafeEnv returns the current environment filtered for an agent child
// process. passEnv names variables the operator explicitly allows
// through the sensitivity filter.
func SafeEnv(passEnv []string) []string {
	return filterEnviron(os.Environ(), passEnv)
}

func filterEnviron(environ, passEnv []string) []string {
	allowed := make(map[string]struct{}, len(passEnv))
	for _, k := range passEnv {
		allowed[strings.ToUpper(k)] = struct{}{}
	}

	out := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		upper := strings.ToUpper(name)

		if _, never := neverPassableKeys[upper]; never {
			continue
		}
		if isSensitiveName(upper) {
			if _, ok := allowed[upper]; !ok {
				continue
			}
		}
		out = append(out, entry)
	}
	return out
}

func isSensitiveName(upper string) bool {
	if _, ok := sensitiveEnvKeys[upper]; ok {
		return true
	}
	for _, p := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, s := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}
