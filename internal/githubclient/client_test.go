package githubclient

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-github/v74/github"
	"github.com/stretchr/testify/require"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
)

func TestClient_ComponentPathJoinsRegistryRoot(t *testing.T) {
	c := New(Config{Owner: "shadcn-ui", Repo: "ui", RegistryPath: "apps/www/registry"})
	require.Equal(t, "apps/www/registry/react/ui/button.tsx", c.componentPath("react", "button"))
}

func TestClient_BlockManifestPathJoinsRegistryRoot(t *testing.T) {
	c := New(Config{Owner: "shadcn-ui", Repo: "ui", RegistryPath: "apps/www/registry"})
	require.Equal(t, "apps/www/registry/react/blocks/login-01/manifest.json", c.blockManifestPath("react", "login-01"))
}

func TestClient_RateLimitRemainingDefaultsToUnknown(t *testing.T) {
	c := New(Config{Owner: "shadcn-ui", Repo: "ui"})
	require.Equal(t, -1, c.RateLimitRemaining())
}

func TestClient_WrapErrClassifies404AsNotFound(t *testing.T) {
	c := New(Config{Owner: "shadcn-ui", Repo: "ui"})
	ghErr := &github.ErrorResponse{Response: &http.Response{StatusCode: 404}}

	err := c.wrapErr("fetch component", ghErr)
	require.Equal(t, cacheerr.KindNotFound, cacheerr.KindOf(err))
}

func TestClient_WrapErrClassifiesOtherErrorsAsTransient(t *testing.T) {
	c := New(Config{Owner: "shadcn-ui", Repo: "ui"})

	err := c.wrapErr("fetch component", errors.New("connection reset"))
	require.Equal(t, cacheerr.KindTransient, cacheerr.KindOf(err))
}

func TestClient_OptsOmittedWhenRefEmpty(t *testing.T) {
	c := New(Config{Owner: "shadcn-ui", Repo: "ui"})
	require.Nil(t, c.opts())
}

func TestClient_OptsCarriesConfiguredRef(t *testing.T) {
	c := New(Config{Owner: "shadcn-ui", Repo: "ui", Ref: "v4"})
	require.NotNil(t, c.opts())
	require.Equal(t, "v4", c.opts().Ref)
}

func TestTrimExt(t *testing.T) {
	require.Equal(t, "button", trimExt("button.tsx"))
	require.Equal(t, "readme", trimExt("readme"))
}
