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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"

	"github.com/gorilla/mux"
)

type createBucketRequest struct {
	Name string `json:"name"`
}

func parseCreateBucket(req *http.Request) (createBucketRequest, error) {
	defer req.Body.Close()
	var res createBucketRequest
	err := decodeJSON(&res, req.Body)
	return res, err
}

type listObjectsRequest struct {
	Bucket    string
	Prefix    string
	Delimiter string
}

func parseListObjects(req *http.Request) (listObjectsRequest, error) {
	q := req.URL.Query()
	if q.Get("versions") == "true" || q.Get("startOffset") != "" || q.Get("endOffset") != "" {
		return listObjectsRequest{}, fmt.Errorf("list options %v: %w", q, errNotImplemented)
	}
	return listObjectsRequest{
		Bucket:    mux.Vars(req)["bucketName"],
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
	}, nil
}

type objectRef struct {
	Bucket string
	Name   string
}

func parseObjectRef(req *http.Request) (objectRef, error) {
	vars := mux.Vars(req)
	return objectRef{
		Bucket: vars["bucketName"],
		Name:   vars["objectName"],
	}, nil
}

type insertObjectRequest struct {
	Meta              uploadMetadata
	Data              []byte
	IfGenerationMatch *int64
}

type uploadMetadata struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata"`
}

// parseInsertObject decodes a multipart upload: the first part is the JSON
// metadata, the second the contents.
func parseInsertObject(req *http.Request) (insertObjectRequest, error) {
	defer req.Body.Close()

	var res insertObjectRequest
	if err := req.ParseForm(); err != nil {
		return res, withStatus(fmt.Errorf("invalid form: %v", err), http.StatusBadRequest)
	}
	if v := req.Form.Get("ifGenerationMatch"); v != "" {
		gen, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return res, withStatus(fmt.Errorf("ifGenerationMatch: %v", err), http.StatusBadRequest)
		}
		res.IfGenerationMatch = &gen
	}
	if req.Form.Get("uploadType") == "resumable" {
		return res, fmt.Errorf("resumable uploads: %w", errNotImplemented)
	}

	_, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		return res, withStatus(fmt.Errorf("invalid Content-Type header: %v", err),
			http.StatusBadRequest)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return res, withStatus(errors.New("expected multipart boundary"), http.StatusBadRequest)
	}

	var parts [][]byte
	mpr := multipart.NewReader(req.Body, boundary)
	for {
		p, err := mpr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, withStatus(err, http.StatusBadRequest)
		}
		buf, err := io.ReadAll(p)
		if err != nil {
			return res, withStatus(err, http.StatusBadRequest)
		}
		parts = append(parts, buf)
	}
	if len(parts) != 2 {
		return res, withStatus(fmt.Errorf("expected two parts, got %d", len(parts)),
			http.StatusBadRequest)
	}
	res.Data = parts[1]
	err = decodeJSON(&res.Meta, bytes.NewReader(parts[0]))
	if res.Meta.Bucket == "" {
		res.Meta.Bucket = mux.Vars(req)["bucketName"]
	}
	return res, err
}

func decodeJSON(res any, r io.Reader) error {
	if err := json.NewDecoder(r).Decode(res); err != nil {
		return withStatus(err, http.StatusBadRequest)
	}
	return nil
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bucketResource struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type objectList struct {
	Kind     string           `json:"kind"`
	Items    []objectResource `json:"items"`
	Prefixes []string         `json:"prefixes"`
}

type objectResource struct {
	Kind           string            `json:"kind"`
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Bucket         string            `json:"bucket"`
	Size           int64             `json:"size,string"`
	ContentType    string            `json:"contentType"`
	Generation     int64             `json:"generation,string"`
	Metageneration int64             `json:"metageneration,string"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func newObjectResource(bucket string, o object) objectResource {
	ct := o.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return objectResource{
		Kind:           "storage#object",
		ID:             path.Join(bucket, o.Name),
		Name:           o.Name,
		Bucket:         bucket,
		Size:           int64(len(o.Contents)),
		ContentType:    ct,
		Generation:     o.Generation,
		Metageneration: o.Metageneration,
		Metadata:       copyMeta(o.Metadata),
	}
}
