package mocks

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// FakeDaemonAPIVersion is the Engine API version the fake daemon speaks
const FakeDaemonAPIVersion = "1.45"

var versionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

// FakeContainer is a container held by FakeDaemon
type FakeContainer struct {
	ID         string
	Name       string
	Image      string
	Running    bool
	Env        []string
	Labels     map[string]string
	HostConfig dockercontainer.HostConfig
}

// FakeBuild records one image build request
type FakeBuild struct {
	Tag       string
	BuildArgs map[string]string
	Files     []string
	Remove    bool
}

// FakeDaemon serves the subset of the Docker Engine API used by rtdeploy
// over a local HTTP listener. Containers and builds live in memory.
type FakeDaemon struct {
	server *httptest.Server

	mu          sync.Mutex
	containers  map[string]*FakeContainer
	builds      []FakeBuild
	calls       []string
	buildOutput []string
	failBuilds  map[string]string
	buildDelay  time.Duration
}

// NewFakeDaemon starts a fake daemon; Close it when done
func NewFakeDaemon() *FakeDaemon {
	d := &FakeDaemon{
		containers:  make(map[string]*FakeContainer),
		failBuilds:  make(map[string]string),
		buildOutput: []string{"Step 1/2 : FROM scratch", "Step 2/2 : COPY include /include"},
	}
	d.server = httptest.NewServer(http.HandlerFunc(d.serve))
	return d
}

// Host returns the daemon address in DOCKER_HOST form
func (d *FakeDaemon) Host() string {
	return "tcp://" + strings.TrimPrefix(d.server.URL, "http://")
}

// Client returns an API client bound to the daemon
func (d *FakeDaemon) Client() (*client.Client, error) {
	return client.NewClientWithOpts(client.WithHost(d.Host()), client.WithVersion(FakeDaemonAPIVersion))
}

// Close stops the listener
func (d *FakeDaemon) Close() {
	d.server.Close()
}

// AddContainer registers an existing container and returns its ID
func (d *FakeDaemon) AddContainer(name, image string, running bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &FakeContainer{ID: "id-" + name, Name: name, Image: image, Running: running}
	d.containers[name] = c
	return c.ID
}

// FailBuild makes builds of tag fail with message
func (d *FakeDaemon) FailBuild(tag, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failBuilds[tag] = message
}

// SetBuildOutput replaces the lines streamed by every build
func (d *FakeDaemon) SetBuildOutput(lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildOutput = lines
}

// SetBuildDelay holds every build for delay or until the client goes away
func (d *FakeDaemon) SetBuildDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildDelay = delay
}

// Container returns a copy of the named container
func (d *FakeDaemon) Container(name string) (FakeContainer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}

// ContainerNames lists all containers, sorted
func (d *FakeDaemon) ContainerNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.containers))
	for name := range d.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builds returns the build requests in arrival order
func (d *FakeDaemon) Builds() []FakeBuild {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FakeBuild(nil), d.builds...)
}

// Calls returns the lifecycle operations received, e.g. "stop id-sum"
func (d *FakeDaemon) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *FakeDaemon) serve(w http.ResponseWriter, r *http.Request) {
	path := versionPrefix.ReplaceAllString(r.URL.Path, "")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/_ping":
		w.Header().Set("API-Version", FakeDaemonAPIVersion)
		w.Header().Set("OSType", "linux")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, "OK")
		}
	case path == "/build" && r.Method == http.MethodPost:
		d.build(w, r)
	case path == "/containers/create" && r.Method == http.MethodPost:
		d.create(w, r)
	case len(parts) == 3 && parts[0] == "containers" && parts[2] == "json" && r.Method == http.MethodGet:
		d.inspect(w, parts[1])
	case len(parts) == 3 && parts[0] == "containers" && parts[2] == "start" && r.Method == http.MethodPost:
		d.setRunning(w, "start", parts[1], true)
	case len(parts) == 3 && parts[0] == "containers" && parts[2] == "stop" && r.Method == http.MethodPost:
		d.setRunning(w, "stop", parts[1], false)
	case len(parts) == 2 && parts[0] == "containers" && r.Method == http.MethodDelete:
		d.remove(w, r, parts[1])
	default:
		writeAPIError(w, http.StatusNotFound, fmt.Sprintf("page not found: %s %s", r.Method, path))
	}
}

// lookup finds a container by name or ID; callers hold mu
func (d *FakeDaemon) lookup(ref string) *FakeContainer {
	if c, ok := d.containers[ref]; ok {
		return c
	}
	for _, c := range d.containers {
		if c.ID == ref {
			return c
		}
	}
	return nil
}

func (d *FakeDaemon) inspect(w http.ResponseWriter, ref string) {
	d.mu.Lock()
	c := d.lookup(ref)
	var resp types.ContainerJSON
	if c != nil {
		status := "exited"
		if c.Running {
			status = "running"
		}
		hostConfig := c.HostConfig
		resp = types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				ID:         c.ID,
				Name:       "/" + c.Name,
				State:      &types.ContainerState{Status: status, Running: c.Running},
				HostConfig: &hostConfig,
			},
			Config: &dockercontainer.Config{Image: c.Image, Env: c.Env, Labels: c.Labels},
		}
	}
	d.mu.Unlock()

	if c == nil {
		writeAPIError(w, http.StatusNotFound, "No such container: "+ref)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *FakeDaemon) create(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	var req dockercontainer.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Config == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid create request")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "create "+name)
	if _, exists := d.containers[name]; exists {
		writeAPIError(w, http.StatusConflict, fmt.Sprintf("Conflict. The container name \"/%s\" is already in use", name))
		return
	}

	c := &FakeContainer{
		ID:     "id-" + name,
		Name:   name,
		Image:  req.Config.Image,
		Env:    req.Config.Env,
		Labels: req.Config.Labels,
	}
	if req.HostConfig != nil {
		c.HostConfig = *req.HostConfig
	}
	d.containers[name] = c
	writeJSON(w, http.StatusCreated, dockercontainer.CreateResponse{ID: c.ID, Warnings: []string{}})
}

func (d *FakeDaemon) setRunning(w http.ResponseWriter, op, ref string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, op+" "+ref)
	c := d.lookup(ref)
	if c == nil {
		writeAPIError(w, http.StatusNotFound, "No such container: "+ref)
		return
	}
	c.Running = running
	w.WriteHeader(http.StatusNoContent)
}

func (d *FakeDaemon) remove(w http.ResponseWriter, r *http.Request, ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "remove "+ref)
	c := d.lookup(ref)
	if c == nil {
		writeAPIError(w, http.StatusNotFound, "No such container: "+ref)
		return
	}
	if c.Running && r.URL.Query().Get("force") != "1" {
		writeAPIError(w, http.StatusConflict, "You cannot remove a running container "+c.ID)
		return
	}
	delete(d.containers, c.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (d *FakeDaemon) build(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	build := FakeBuild{
		Tag:       query.Get("t"),
		BuildArgs: map[string]string{},
		Remove:    query.Get("rm") == "1",
	}
	if raw := query.Get("buildargs"); raw != "" {
		var args map[string]*string
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid buildargs")
			return
		}
		for k, v := range args {
			if v != nil {
				build.BuildArgs[k] = *v
			}
		}
	}

	tr := tar.NewReader(r.Body)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid build context: "+err.Error())
			return
		}
		build.Files = append(build.Files, hdr.Name)
	}
	sort.Strings(build.Files)

	d.mu.Lock()
	d.builds = append(d.builds, build)
	d.calls = append(d.calls, "build "+build.Tag)
	output := append([]string(nil), d.buildOutput...)
	failure, failed := d.failBuilds[build.Tag]
	delay := d.buildDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, line := range output {
		_ = enc.Encode(map[string]string{"stream": line + "\n"})
	}
	if failed {
		_ = enc.Encode(map[string]interface{}{
			"errorDetail": map[string]string{"message": failure},
			"error":       failure,
		})
		return
	}
	_ = enc.Encode(map[string]string{"stream": "Successfully tagged " + build.Tag + "\n"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
