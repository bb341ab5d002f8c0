package api

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/replicat/replicat/internal/backend"
	"github.com/replicat/replicat/internal/s3err"
	"github.com/replicat/replicat/internal/stream"
)

const xmlTimeFormat = "2006-01-02T15:04:05.000Z"

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) error {
	key := mux.Vars(r)["key"]
	rd, err := s.Reader.Get(r.Context(), key, r.Header.Get("Range"))
	if err != nil {
		return err
	}
	defer rd.Body.Close()

	writeObjectHeaders(w.Header(), rd.Object)
	w.Header().Set("Content-Length", strconv.FormatInt(rd.Size, 10))
	if rd.ContentRange != "" {
		w.Header().Set("Content-Range", rd.ContentRange)
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	n, _ := stream.Forward(w, rd.Body)
	s.Metrics.BytesStreamed.WithLabelValues("out").Add(float64(n))
	return nil
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) error {
	key := mux.Vars(r)["key"]
	obj, err := s.Reader.Head(r.Context(), key)
	if err != nil {
		return err
	}
	writeObjectHeaders(w.Header(), obj)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) error {
	key := mux.Vars(r)["key"]

	in := backend.PutInput{
		Body:          r.Body,
		ContentLength: r.ContentLength,
		ContentType:   r.Header.Get("Content-Type"),
		Metadata:      userMetadata(r.Header),
	}
	etag, err := s.Writer.Put(r.Context(), key, in)
	if err != nil {
		return err
	}
	if r.ContentLength > 0 {
		s.Metrics.BytesStreamed.WithLabelValues("in").Add(float64(r.ContentLength))
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) error {
	key := mux.Vars(r)["key"]
	if err := s.Writer.Delete(r.Context(), key); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request) error {
	if err := s.Reader.HeadBucket(r.Context()); err != nil {
		if backend.IsNotFound(err) {
			return s3err.NoSuchBucket
		}
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

type listBucketResult struct {
	XMLName               xml.Name             `xml:"ListBucketResult"`
	XMLNS                 string               `xml:"xmlns,attr"`
	Name                  string               `xml:"Name"`
	Prefix                string               `xml:"Prefix,omitempty"`
	Delimiter             string               `xml:"Delimiter,omitempty"`
	ContinuationToken     string               `xml:"ContinuationToken,omitempty"`
	KeyCount              int                  `xml:"KeyCount"`
	MaxKeys               int                  `xml:"MaxKeys"`
	IsTruncated           bool                 `xml:"IsTruncated"`
	NextContinuationToken string               `xml:"NextContinuationToken,omitempty"`
	Contents              []listObjectContents `xml:"Contents"`
	CommonPrefixes        []commonPrefix       `xml:"CommonPrefixes"`
}

type listObjectContents struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	if lt := q.Get("list-type"); lt != "" && lt != "2" {
		return s3err.InvalidRequest
	}

	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return s3err.InvalidRequest
		}
		if parsed < maxKeys {
			maxKeys = parsed
		}
	}

	page, err := s.Reader.List(r.Context(), backend.ListOptions{
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		ContinuationToken: q.Get("continuation-token"),
		MaxKeys:           maxKeys,
	})
	if err != nil {
		return err
	}

	result := listBucketResult{
		XMLNS:                 "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:                  s.VirtualBucket,
		Prefix:                q.Get("prefix"),
		Delimiter:             q.Get("delimiter"),
		ContinuationToken:     q.Get("continuation-token"),
		KeyCount:              len(page.Objects) + len(page.CommonPrefixes),
		MaxKeys:               maxKeys,
		IsTruncated:           page.IsTruncated,
		NextContinuationToken: page.NextContinuationToken,
	}
	for _, obj := range page.Objects {
		result.Contents = append(result.Contents, listObjectContents{
			Key:          obj.Key,
			LastModified: obj.LastModified.UTC().Format(xmlTimeFormat),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, cp := range page.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: cp})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(result)
}

func writeObjectHeaders(h http.Header, obj backend.Object) {
	if obj.ETag != "" {
		h.Set("ETag", obj.ETag)
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	if !obj.LastModified.IsZero() {
		h.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("Accept-Ranges", "bytes")
	for k, v := range obj.Metadata {
		h.Set("x-amz-meta-"+k, v)
	}
}

func userMetadata(h http.Header) map[string]string {
	var meta map[string]string
	for name, values := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			if meta == nil {
				meta = map[string]string{}
			}
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	return meta
}
