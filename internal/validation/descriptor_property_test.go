package validation

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/repobox/control-plane/internal/models"
)

// genAlphaNumString generates possibly-empty alphanumeric strings;
// gopter's gen package has AlphaNumChar but no string equivalent.
func genAlphaNumString() gopter.Gen {
	return gen.SliceOf(gen.AlphaNumChar()).Map(func(v []rune) string {
		return string(v)
	})
}

// genValidEnvKey generates environment variable keys matching the
// accepted format.
func genValidEnvKey() gopter.Gen {
	first := gen.OneConstOf("A", "Z", "a", "z", "_")
	rest := genAlphaNumString()
	return gopter.CombineGens(first, rest).Map(func(vals []interface{}) string {
		key := vals[0].(string) + vals[1].(string)
		if len(key) > MaxEnvKeyLength {
			key = key[:MaxEnvKeyLength]
		}
		return key
	})
}

func TestValidEnvKeysAccepted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("well-formed env keys pass validation", prop.ForAll(
		func(key string) bool {
			return ValidateEnvKey(key) == nil
		},
		genValidEnvKey(),
	))

	properties.TestingRun(t)
}

func TestInvalidEnvKeysRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("keys with a leading digit are rejected", prop.ForAll(
		func(digit int, rest string) bool {
			key := string(rune('0'+digit)) + rest
			return ValidateEnvKey(key) != nil
		},
		gen.IntRange(0, 9),
		genAlphaNumString(),
	))

	properties.Property("keys containing a space are rejected", prop.ForAll(
		func(a, b string) bool {
			return ValidateEnvKey(a+" "+b) != nil
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestDescriptorPathEscapes(t *testing.T) {
	cases := []struct {
		name string
		d    models.BuildDirectives
	}{
		{"absolute dockerfile", models.BuildDirectives{DockerfilePath: "/etc/passwd"}},
		{"parent escape", models.BuildDirectives{DockerfilePath: "../outside/Dockerfile"}},
		{"sneaky escape", models.BuildDirectives{ContextPath: "sub/../../outside"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDescriptor("https://example.com/repo.git", tc.d, nil)
			if err == nil {
				t.Fatalf("expected rejection for %+v", tc.d)
			}
		})
	}
}

func TestDescriptorRunMode(t *testing.T) {
	err := ValidateDescriptor("https://example.com/repo.git", models.BuildDirectives{RunMode: "teleport"}, nil)
	if err == nil {
		t.Fatal("expected unknown run mode to be rejected")
	}
	if !strings.Contains(err.Error(), "run_mode") {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, mode := range []models.RunMode{models.RunModeAuto, models.RunModeContainer, models.RunModeShowcase, models.RunModeCompose} {
		if err := ValidateDescriptor("https://example.com/repo.git", models.BuildDirectives{RunMode: mode}, nil); err != nil {
			t.Fatalf("mode %s rejected: %v", mode, err)
		}
	}
}

func TestRepoURLValidation(t *testing.T) {
	valid := []string{
		"https://github.com/user/repo.git",
		"http://gitea.local/user/repo",
		"git://example.com/repo.git",
	}
	for _, u := range valid {
		if err := ValidateRepoURL(u); err != nil {
			t.Errorf("rejected valid URL %q: %v", u, err)
		}
	}

	invalid := []string{"", "not a url", "file:///etc/passwd"}
	for _, u := range invalid {
		if err := ValidateRepoURL(u); err == nil {
			t.Errorf("accepted invalid URL %q", u)
		}
	}
}
