package api

import (
	"net/http"

	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/models"
)

func LanguagesHandler(langs *lang.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := []models.LanguageInfo{}
		for _, l := range langs.List() {
			out = append(out, models.LanguageInfo{
				ID:         l.ID,
				Name:       l.Toolchain.Name,
				SourceFile: l.Toolchain.SourceFile,
				Compiled:   l.Toolchain.NeedsBuild(),
			})
		}
		WriteJSON(w, http.StatusOK, out)
	}
}
