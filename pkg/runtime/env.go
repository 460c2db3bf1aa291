package runtime

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
)

// LoadDotEnvFromCaller loads .env.local and .env from the cwd, then from the
// caller's directory and each parent up to the root. Vars that are already
// set are kept.
func LoadDotEnvFromCaller(logPrefix string, callerSkip int) {
	if IsDotEnvDisabled() {
		return
	}

	paths := []string{".env.local", ".env"} // cwd

	if _, file, _, ok := runtime.Caller(callerSkip); ok {
		// Walk up from the caller file directory so running from any
		// subdir (e.g. cmd/exe-code) still finds the repo root env files.
		for d := filepath.Dir(file); ; {
			paths = append(paths, filepath.Join(d, ".env.local"), filepath.Join(d, ".env"))
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}

	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}

		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			log.Fatalf("%s failed to load %s: %v", logPrefix, p, err)
		} else {
			log.Printf("%s loaded env from %s", logPrefix, p)
		}
	}
}

// IsDotEnvDisabled reports whether EXE_CODE_DOTENV turns .env loading off.
func IsDotEnvDisabled() bool {
	v, ok := os.LookupEnv("EXE_CODE_DOTENV")
	if !ok {
		return false
	}
	on, err := ParseBool(v)
	return err == nil && !on
}
