package proxy

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/pkg/auth"
	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/types"
)

const boxDomain = "box.example.app"

// fakeWorld is a WorldView over a couple of fixed containers.
type fakeWorld struct {
	projects    map[string]types.Project // name or domain -> project
	deployments map[string]*container.Container
	prod        map[string]*container.Container
}

func (f *fakeWorld) GetDeployment(projectID, urlSlug string) (*container.Container, bool) {
	c, ok := f.deployments[projectID+"/"+urlSlug]
	return c, ok
}

func (f *fakeWorld) GetProdDeployment(projectID string) (*container.Container, bool) {
	c, ok := f.prod[projectID]
	return c, ok
}

func (f *fakeWorld) ResolveProject(nameOrDomain string) (types.Project, bool) {
	p, ok := f.projects[nameOrDomain]
	return p, ok
}

// fakeDBs records which DB was asked for and points every hostname at the
// test backend.
type fakeDBs struct {
	backendURL  string
	prodCalls   int
	branchCalls []string
}

func (f *fakeDBs) EnsureProductionDB(ctx context.Context, projectID string) (container.DBSetup, error) {
	f.prodCalls++
	return container.DBSetup{URL: f.backendURL, AuthToken: "tok"}, nil
}

func (f *fakeDBs) ForkBranchDB(ctx context.Context, projectID, deploymentID string) (container.DBSetup, error) {
	f.branchCalls = append(f.branchCalls, deploymentID)
	return container.DBSetup{URL: f.backendURL, AuthToken: "tok"}, nil
}

func testValidator(t *testing.T) *auth.HMACValidator {
	t.Helper()
	secret := base64.StdEncoding.EncodeToString([]byte("test-secret-test-secret-32bytes!"))
	v, err := auth.NewHMACValidator(secret)
	require.NoError(t, err)
	return v
}

// failedContainer builds a Container actor already in Failed state.
func failedContainer(id, slug string, def bool, visibility types.Visibility) *container.Container {
	return container.New(types.Deployment{
		ID: id, Project: "p1", URLSlug: slug,
		IsDefaultBranch: def,
		Result:          types.BuildResultFailed,
		Config:          types.DeploymentConfig{Visibility: visibility},
	}, types.Project{ID: "p1", Name: "demo"}, container.Deps{})
}

func newTestProxy(t *testing.T, backendURL string) (*Proxy, *fakeDBs, *fakeWorld) {
	t.Helper()
	project := types.Project{ID: "p1", Name: "demo"}
	world := &fakeWorld{
		projects: map[string]types.Project{"demo": project},
		deployments: map[string]*container.Container{
			"p1/slug000001": failedContainer("d1", "slug000001", false, types.VisibilityPublic),
		},
		prod: map[string]*container.Container{
			"p1": failedContainer("dprod", "slugprod01", true, types.VisibilityStandard),
		},
	}
	dbs := &fakeDBs{backendURL: backendURL}
	return New(world, dbs, nil, testValidator(t), boxDomain, nil), dbs, world
}

func TestUnknownHostnameIs404(t *testing.T) {
	p, _, _ := newTestProxy(t, "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://nope."+boxDomain+"/", nil)
	req.Host = "nope." + boxDomain
	p.handleRequest(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProdDBHostnameRoutesToProductionDB(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("db ok"))
	}))
	defer backend.Close()

	p, dbs, _ := newTestProxy(t, backend.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://demo--libsql."+boxDomain+"/", nil)
	req.Host = "demo--libsql." + boxDomain
	p.handleRequest(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "db ok", rec.Body.String())
	assert.Equal(t, 1, dbs.prodCalls)
	assert.Empty(t, dbs.branchCalls)
}

func TestBranchDBHostnameRoutesToFork(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("branch ok"))
	}))
	defer backend.Close()

	p, dbs, _ := newTestProxy(t, backend.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://demo--slug000001-libsql."+boxDomain+"/", nil)
	req.Host = "demo--slug000001-libsql." + boxDomain
	p.handleRequest(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, dbs.branchCalls, 1)
	assert.Equal(t, "d1", dbs.branchCalls[0])
}

func TestInsertHostnameRequiresAdmin(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("write ok"))
	}))
	defer backend.Close()

	p, dbs, _ := newTestProxy(t, backend.URL)
	host := "demo--slug000001-insert." + boxDomain

	// No token: rejected before the DB is ever touched.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil)
	req.Host = host
	p.handleRequest(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, dbs.branchCalls)

	// User token: still rejected.
	userToken, err := testValidator(t).Issue(auth.Claims{Role: auth.RoleUser})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil)
	req.Host = host
	req.Header.Set("Authorization", "Bearer "+userToken)
	p.handleRequest(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Admin token: proxied through to the branch DB.
	adminToken, err := testValidator(t).Issue(auth.Claims{Role: auth.RoleAdmin})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil)
	req.Host = host
	req.Header.Set("Authorization", "Bearer "+adminToken)
	p.handleRequest(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "write ok", rec.Body.String())
}

func TestFailedDeploymentIs502(t *testing.T) {
	p, _, _ := newTestProxy(t, "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://demo."+boxDomain+"/", nil)
	req.Host = "demo." + boxDomain
	p.handleRequest(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPrivateDeploymentRequiresToken(t *testing.T) {
	p, _, world := newTestProxy(t, "http://127.0.0.1:1")
	world.deployments["p1/slug000002"] = failedContainer("d2", "slug000002", false, types.VisibilityPrivate)
	host := "demo--slug000002." + boxDomain

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil)
	req.Host = host
	p.handleRequest(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// With a user token the gate passes; the Failed container then
	// surfaces as a 502 instead.
	token, err := testValidator(t).Issue(auth.Claims{Role: auth.RoleUser})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil)
	req.Host = host
	req.Header.Set("Authorization", "Bearer "+token)
	p.handleRequest(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStandardNonDefaultBranchRequiresToken(t *testing.T) {
	p, _, world := newTestProxy(t, "http://127.0.0.1:1")
	world.deployments["p1/slug000003"] = failedContainer("d3", "slug000003", false, types.VisibilityStandard)
	host := "demo--slug000003." + boxDomain

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil)
	req.Host = host
	p.handleRequest(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCustomDomainResolvesToProduction(t *testing.T) {
	p, _, world := newTestProxy(t, "http://127.0.0.1:1")
	world.projects["demo.example.com"] = world.projects["demo"]

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://demo.example.com/", nil)
	req.Host = "demo.example.com"
	p.handleRequest(rec, req)

	// The custom domain resolves to the (Failed) production deployment,
	// proving the lookup path; a healthy one would proxy instead.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
