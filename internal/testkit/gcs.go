// Copyright 2024 The upgradecheck Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/gorilla/mux"
	"google.golang.org/api/option"
)

// NewGCSClient returns a storage client talking to an in-process fake of
// the GCS JSON and XML APIs. Only the calls needed to store and fetch run
// reports are implemented: bucket creation, object upload, download,
// attributes and listing.
func NewGCSClient(ctx context.Context, t testing.TB, logging bool) *storage.Client {
	t.Helper()

	srv := httptest.NewServer(newFakeGCS(newObjectStore()).router())
	t.Cleanup(srv.Close)

	hclient := srv.Client()
	if logging {
		hclient.Transport = logTransport{t: t, inner: hclient.Transport}
	}

	client, err := storage.NewClient(ctx,
		option.WithoutAuthentication(),
		option.WithEndpoint(srv.URL),
		option.WithHTTPClient(hclient),
	)
	if err != nil {
		t.Fatalf("creating fake client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

type logTransport struct {
	t     testing.TB
	inner http.RoundTripper
}

func (l logTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := l.inner.RoundTrip(req)
	status := "error"
	if resp != nil {
		status = resp.Status
	}
	l.t.Logf("gcs: %s %s -> %s", req.Method, req.URL.RequestURI(), status)
	return resp, err
}

var errNotImplemented = withStatus(
	errors.New("not implemented"), http.StatusNotImplemented)

func newFakeGCS(s *objectStore) *fakeGCS {
	return &fakeGCS{store: s}
}

type fakeGCS struct {
	store *objectStore
}

func (f *fakeGCS) router() *mux.Router {
	m := mux.NewRouter()
	m.Path("/b").Methods(http.MethodPost).
		HandlerFunc(jsonHandler(f.createBucket))
	m.Path("/b/{bucketName}/o").Methods(http.MethodGet).
		HandlerFunc(jsonHandler(f.listObjects))
	m.Path("/upload/storage/v1/b/{bucketName}/o").Methods(http.MethodPost).
		HandlerFunc(jsonHandler(f.insertObject))
	m.Path("/b/{bucketName}/o/{objectName:.+}").Methods(http.MethodGet, http.MethodHead).
		HandlerFunc(f.getObject)
	// XML API downloads.
	m.Path("/{bucketName}/{objectName:.+}").Methods(http.MethodGet, http.MethodHead).
		HandlerFunc(rawHandler(f.download))
	return m
}

func (f *fakeGCS) createBucket(req *http.Request) (any, error) {
	r, err := parseCreateBucket(req)
	if err != nil {
		return nil, err
	}
	b, err := f.store.CreateBucket(r.Name)
	if err != nil {
		return nil, err
	}
	return bucketResource{Kind: "storage#bucket", ID: b, Name: b}, nil
}

func (f *fakeGCS) listObjects(req *http.Request) (any, error) {
	r, err := parseListObjects(req)
	if err != nil {
		return nil, err
	}
	objs, prefixes, err := f.store.List(r)
	if err != nil {
		return nil, err
	}
	res := objectList{Kind: "storage#objects", Prefixes: prefixes}
	for _, o := range objs {
		res.Items = append(res.Items, newObjectResource(r.Bucket, o))
	}
	return res, nil
}

func (f *fakeGCS) insertObject(req *http.Request) (any, error) {
	r, err := parseInsertObject(req)
	if err != nil {
		return nil, err
	}
	o, err := f.store.Insert(r)
	if err != nil {
		return nil, err
	}
	return newObjectResource(r.Meta.Bucket, o), nil
}

func (f *fakeGCS) getObject(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("alt") == "media" || req.Method == http.MethodHead {
		rawHandler(f.download)(w, req)
		return
	}
	jsonHandler(func(req *http.Request) (any, error) {
		r, err := parseObjectRef(req)
		if err != nil {
			return nil, err
		}
		o, err := f.store.Get(r)
		if err != nil {
			return nil, err
		}
		return newObjectResource(r.Bucket, o), nil
	})(w, req)
}

func (f *fakeGCS) download(req *http.Request) (http.Header, []byte, error) {
	r, err := parseObjectRef(req)
	if err != nil {
		return nil, nil, err
	}
	o, err := f.store.Get(r)
	if err != nil {
		return nil, nil, err
	}
	h := http.Header{}
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.Itoa(len(o.Contents)))
	h.Set("X-Goog-Generation", strconv.FormatInt(o.Generation, 10))
	h.Set("X-Goog-Metageneration", strconv.FormatInt(o.Metageneration, 10))
	if req.Method == http.MethodHead {
		return h, nil, nil
	}
	return h, o.Contents, nil
}

type errStatus struct {
	error
	Code int
}

func withStatus(err error, status int) error {
	return errStatus{err, status}
}

func statusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var es errStatus
	if errors.As(err, &es) {
		return es.Code
	}
	return http.StatusInternalServerError
}

func jsonHandler(h func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(r)
		status := statusFromError(err)
		if err != nil {
			data = errorResponse{Error: apiError{Code: status, Message: err.Error()}}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(data)
	}
}

func rawHandler(h func(*http.Request) (http.Header, []byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header, body, err := h(r)
		w.Header().Set("Content-Type", "application/octet-stream")
		for name, values := range header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		status := statusFromError(err)
		if err != nil {
			body = []byte(err.Error())
		}
		w.WriteHeader(status)
		if len(body) > 0 {
			_, _ = w.Write(body)
		}
	}
}
