package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig describes one destination server as stored in the servers table.
type ServerConfig struct {
	ID                    int
	Name                  string
	Username              string
	Password              string
	URL                   string
	HTTPMethod            string // GET or POST; anything else falls back to POST
	UseSSL                bool
	ParseResponses        bool
	SSLClientCertKeyFile  string // PEM file holding both client cert and key
	StartSubmissionPeriod int
	EndSubmissionPeriod   int
}

// Directory is the read-only destination lookup shared by all workers.
// It is loaded once per dispatch session; picking up server changes requires
// starting a new session.
type Directory struct {
	servers map[int]ServerConfig
}

const serversSQL = `
	SELECT id, name, username, password, url, http_method, use_ssl,
	       parse_responses, ssl_client_certkey_file,
	       start_submission_period, end_submission_period
	FROM servers`

// LoadDirectory reads every server descriptor from the store.
func LoadDirectory(ctx context.Context, pool *pgxpool.Pool) (*Directory, error) {
	rows, err := pool.Query(ctx, serversSQL)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	servers := make(map[int]ServerConfig)
	for rows.Next() {
		var s ServerConfig
		var certFile *string
		if err := rows.Scan(&s.ID, &s.Name, &s.Username, &s.Password, &s.URL,
			&s.HTTPMethod, &s.UseSSL, &s.ParseResponses, &certFile,
			&s.StartSubmissionPeriod, &s.EndSubmissionPeriod); err != nil {
			return nil, fmt.Errorf("scan server row: %w", err)
		}
		if certFile != nil {
			s.SSLClientCertKeyFile = *certFile
		}
		servers[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read servers: %w", err)
	}
	return &Directory{servers: servers}, nil
}

// NewDirectory builds a directory from in-memory configs. Used by tests and
// by tooling that already holds the descriptors.
func NewDirectory(servers []ServerConfig) *Directory {
	m := make(map[int]ServerConfig, len(servers))
	for _, s := range servers {
		m[s.ID] = s
	}
	return &Directory{servers: m}
}

// Lookup returns the config for a destination id.
func (d *Directory) Lookup(id int) (ServerConfig, bool) {
	s, ok := d.servers[id]
	return s, ok
}

// Len returns the number of known destinations.
func (d *Directory) Len() int {
	return len(d.servers)
}

// All returns every destination config ordered by id.
func (d *Directory) All() []ServerConfig {
	out := make([]ServerConfig, 0, len(d.servers))
	for _, s := range d.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
