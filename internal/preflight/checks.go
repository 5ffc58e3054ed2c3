package preflight

import (
	"os/exec"
	"path/filepath"

	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/models"
	"github.com/rs/zerolog"
)

// CheckAll looks up the binaries every registered language needs and logs
// the ones that are missing. Binaries given as relative paths are produced
// by the build step and are skipped.
func CheckAll(langs *lang.Registry, logger *zerolog.Logger) []models.ToolchainStatus {
	var statuses []models.ToolchainStatus
	for _, l := range langs.List() {
		for _, bin := range binaries(l.Toolchain) {
			st := checkBinary(l.ID, bin)
			if st.Installed {
				logger.Info().Str("language", l.ID).Str("path", st.Path).Msgf("%s found", bin)
			} else {
				logger.Warn().Str("language", l.ID).Msgf("%s is not installed; %s code will fail", bin, l.Toolchain.Name)
			}
			statuses = append(statuses, st)
		}
	}
	return statuses
}

func binaries(tc lang.Toolchain) []string {
	var out []string
	seen := map[string]bool{}
	for _, argv := range [][]string{tc.CompileCommand, tc.RunCommand} {
		if len(argv) == 0 {
			continue
		}
		bin := argv[0]
		if filepath.Base(bin) != bin || seen[bin] {
			continue
		}
		seen[bin] = true
		out = append(out, bin)
	}
	return out
}

func checkBinary(language, name string) models.ToolchainStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.ToolchainStatus{Language: language, Binary: name}
	}
	return models.ToolchainStatus{Language: language, Binary: name, Installed: true, Path: path}
}
