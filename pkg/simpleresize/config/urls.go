package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tendant/simple-resize/pkg/simpleresize"
)

type storeURL struct {
	kind     string // memory, file, s3, minio
	bucket   string
	dir      string
	endpoint string
	region   string
	query    url.Values
}

func parseStoreURL(field, raw string) (storeURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return storeURL{}, simpleresize.NewConfigError(field, err.Error())
	}

	s := storeURL{kind: strings.ToLower(u.Scheme), query: u.Query()}
	switch s.kind {
	case "memory", "s3", "minio":
		s.bucket = u.Host
		if s.bucket == "" {
			return storeURL{}, simpleresize.NewConfigError(field, fmt.Sprintf("%q has no bucket, expected %s://bucket", raw, s.kind))
		}
		s.endpoint = s.query.Get("endpoint")
		s.region = s.query.Get("region")
	case "file":
		s.dir = u.Path
		if s.dir == "" || !filepath.IsAbs(s.dir) {
			return storeURL{}, simpleresize.NewConfigError(field, fmt.Sprintf("%q must name an absolute directory", raw))
		}
		s.bucket = s.query.Get("bucket")
		if s.bucket == "" {
			s.bucket = filepath.Base(filepath.Clean(s.dir))
		}
	default:
		return storeURL{}, simpleresize.NewConfigError(field, fmt.Sprintf("unsupported storage scheme %q", u.Scheme))
	}
	return s, nil
}

func (s storeURL) flag(name string) bool {
	v, err := strconv.ParseBool(s.query.Get(name))
	return err == nil && v
}

type queueURL struct {
	kind string // memory, sqs, redis, amqp
	u    *url.URL
}

func parseQueueURL(raw string) (queueURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return queueURL{}, simpleresize.NewConfigError("queue_url", err.Error())
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return queueURL{kind: "memory", u: u}, nil
	case "http", "https":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return queueURL{}, simpleresize.NewConfigError("queue_url", fmt.Sprintf("%q is not an SQS queue URL", raw))
		}
		return queueURL{kind: "sqs", u: u}, nil
	case "redis", "rediss":
		return queueURL{kind: "redis", u: u}, nil
	case "amqp", "amqps":
		return queueURL{kind: "amqp", u: u}, nil
	default:
		return queueURL{}, simpleresize.NewConfigError("queue_url", fmt.Sprintf("unsupported queue scheme %q", u.Scheme))
	}
}

// name returns the stream or queue name carried in the query, or fallback
func (q queueURL) name(param, fallback string) string {
	if v := q.u.Query().Get(param); v != "" {
		return v
	}
	return fallback
}

// stripped returns the URL without the listed query parameters, for client
// libraries that reject options they do not know
func stripped(u *url.URL, params ...string) string {
	clone := *u
	q := clone.Query()
	for _, p := range params {
		q.Del(p)
	}
	clone.RawQuery = q.Encode()
	return clone.String()
}

func notifyKind(raw string) (string, error) {
	switch {
	case raw == "" || raw == "log://":
		return "log", nil
	case raw == "memory://":
		return "memory", nil
	case strings.HasPrefix(raw, "arn:aws:sns:"):
		return "sns", nil
	default:
		return "", simpleresize.NewConfigError("notify_url", fmt.Sprintf("unsupported notification channel %q", raw))
	}
}

func errorSinkKind(raw string) (string, error) {
	switch {
	case raw == "" || raw == "log://":
		return "log", nil
	case raw == "memory://":
		return "memory", nil
	case strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://"):
		return "sqs", nil
	default:
		return "", simpleresize.NewConfigError("error_sink_url", fmt.Sprintf("unsupported error sink %q", raw))
	}
}

func dedupeKind(raw string) (string, error) {
	if raw == "" || raw == "none" {
		return "none", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", simpleresize.NewConfigError("dedupe_url", err.Error())
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return "memory", nil
	case "redis", "rediss":
		return "redis", nil
	case "postgres", "postgresql":
		return "postgres", nil
	default:
		return "", simpleresize.NewConfigError("dedupe_url", fmt.Sprintf("unsupported dedupe store %q", u.Scheme))
	}
}
