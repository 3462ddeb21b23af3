package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ulp/internal/sexpr"
)

// State is everything a peer keeps across restarts.
type State struct {
	// PrivateKey is the persisted key form: a hex seed or a USE_ENV: reference.
	PrivateKey  string
	Revocations []string
	Tokens      []Token
	Agents      []Agent
	Entities    []Entity
}

// Token is one ledger entry.
type Token struct {
	ID     string
	Name   string
	Supply int64
	Owner  string
}

// QValue is one implicit-knowledge cell.
type QValue struct {
	StateKey string
	Action   string
	Value    float64
}

// Rule is an explicit rule in minting order.
type Rule struct {
	L          int64
	A          int64
	Action     string
	Confidence float64
}

// Agent is one hosted agent's knowledge.
type Agent struct {
	ID     string
	QTable []QValue
	Rules  []Rule
	Bases  map[string]int64
}

// Domain is one entity domain position.
type Domain struct {
	Name string
	A    int64
	B    int64
}

// Entity is one hosted entity's position.
type Entity struct {
	ID           string
	Layer        int64
	LayerHistory []int64
	Domains      []Domain
}

// Save replaces the stored state with st in one transaction. Revocations
// are merged, never removed.
func (s *Store) Save(ctx context.Context, st State) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO node (id, private_key, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET private_key = excluded.private_key, saved_at = excluded.saved_at
	`, st.PrivateKey, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("save node: %w", err)
	}

	for _, id := range st.Revocations {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO revocations (event_id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("save revocation %s: %w", id, err)
		}
	}

	// Cascades clear q_values, explicit_rules, agent_bases and entity_domains.
	for _, stmt := range []string{`DELETE FROM tokens`, `DELETE FROM agents`, `DELETE FROM entities`} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
	}

	for _, tok := range st.Tokens {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO tokens (token_id, name, supply, owner) VALUES (?, ?, ?, ?)`,
			tok.ID, tok.Name, tok.Supply, tok.Owner); err != nil {
			return fmt.Errorf("save token %s: %w", tok.ID, err)
		}
	}

	for _, ag := range st.Agents {
		if err = saveAgent(ctx, tx, ag); err != nil {
			return err
		}
	}

	for _, ent := range st.Entities {
		if err = saveEntity(ctx, tx, ent); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func saveAgent(ctx context.Context, tx *sql.Tx, ag Agent) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO agents (agent_id) VALUES (?)`, ag.ID); err != nil {
		return fmt.Errorf("save agent %s: %w", ag.ID, err)
	}
	for _, q := range ag.QTable {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO q_values (agent_id, state_key, action, value) VALUES (?, ?, ?, ?)`,
			ag.ID, q.StateKey, q.Action, q.Value); err != nil {
			return fmt.Errorf("save q-value %s/%s: %w", q.StateKey, q.Action, err)
		}
	}
	for i, r := range ag.Rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO explicit_rules (agent_id, seq, l, a, action, confidence) VALUES (?, ?, ?, ?, ?, ?)`,
			ag.ID, i, r.L, r.A, r.Action, r.Confidence); err != nil {
			return fmt.Errorf("save rule %d: %w", i, err)
		}
	}
	for ctxName, base := range ag.Bases {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_bases (agent_id, context, base) VALUES (?, ?, ?)`,
			ag.ID, ctxName, base); err != nil {
			return fmt.Errorf("save base %s: %w", ctxName, err)
		}
	}
	return nil
}

func saveEntity(ctx context.Context, tx *sql.Tx, ent Entity) error {
	history, err := sexpr.Marshal(ent.LayerHistory)
	if err != nil {
		return fmt.Errorf("encode layer history for %s: %w", ent.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities (entity_id, layer, layer_history) VALUES (?, ?, ?)`,
		ent.ID, ent.Layer, history); err != nil {
		return fmt.Errorf("save entity %s: %w", ent.ID, err)
	}
	for _, d := range ent.Domains {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_domains (entity_id, name, a, b) VALUES (?, ?, ?, ?)`,
			ent.ID, d.Name, d.A, d.B); err != nil {
			return fmt.Errorf("save domain %s/%s: %w", ent.ID, d.Name, err)
		}
	}
	return nil
}

// Load reads the stored state. found is false for a database that has
// never been saved to. Collections come back sorted by key.
func (s *Store) Load(ctx context.Context) (st State, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT private_key FROM node WHERE id = 1`).Scan(&st.PrivateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load node: %w", err)
	}

	if st.Revocations, err = queryStrings(ctx, s.db, `SELECT event_id FROM revocations ORDER BY event_id`); err != nil {
		return State{}, false, fmt.Errorf("load revocations: %w", err)
	}
	if st.Tokens, err = s.loadTokens(ctx); err != nil {
		return State{}, false, err
	}
	if st.Agents, err = s.loadAgents(ctx); err != nil {
		return State{}, false, err
	}
	if st.Entities, err = s.loadEntities(ctx); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *Store) loadTokens(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token_id, name, supply, owner FROM tokens ORDER BY token_id`)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.Name, &t.Supply, &t.Owner); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadAgents(ctx context.Context) ([]Agent, error) {
	ids, err := queryStrings(ctx, s.db, `SELECT agent_id FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		ag := Agent{ID: id, Bases: map[string]int64{}}

		qrows, err := s.db.QueryContext(ctx,
			`SELECT state_key, action, value FROM q_values WHERE agent_id = ? ORDER BY state_key, action`, id)
		if err != nil {
			return nil, fmt.Errorf("load q-values for %s: %w", id, err)
		}
		for qrows.Next() {
			var q QValue
			if err := qrows.Scan(&q.StateKey, &q.Action, &q.Value); err != nil {
				qrows.Close()
				return nil, fmt.Errorf("scan q-value: %w", err)
			}
			ag.QTable = append(ag.QTable, q)
		}
		qrows.Close()

		rrows, err := s.db.QueryContext(ctx,
			`SELECT l, a, action, confidence FROM explicit_rules WHERE agent_id = ? ORDER BY seq`, id)
		if err != nil {
			return nil, fmt.Errorf("load rules for %s: %w", id, err)
		}
		for rrows.Next() {
			var r Rule
			if err := rrows.Scan(&r.L, &r.A, &r.Action, &r.Confidence); err != nil {
				rrows.Close()
				return nil, fmt.Errorf("scan rule: %w", err)
			}
			ag.Rules = append(ag.Rules, r)
		}
		rrows.Close()

		brows, err := s.db.QueryContext(ctx,
			`SELECT context, base FROM agent_bases WHERE agent_id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("load bases for %s: %w", id, err)
		}
		for brows.Next() {
			var name string
			var base int64
			if err := brows.Scan(&name, &base); err != nil {
				brows.Close()
				return nil, fmt.Errorf("scan base: %w", err)
			}
			ag.Bases[name] = base
		}
		brows.Close()

		out = append(out, ag)
	}
	return out, nil
}

func (s *Store) loadEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, layer, layer_history FROM entities ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	var out []Entity
	for rows.Next() {
		var e Entity
		var history []byte
		if err := rows.Scan(&e.ID, &e.Layer, &history); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := sexpr.Unmarshal(history, &e.LayerHistory); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode layer history for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		drows, err := s.db.QueryContext(ctx,
			`SELECT name, a, b FROM entity_domains WHERE entity_id = ? ORDER BY name`, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load domains for %s: %w", out[i].ID, err)
		}
		for drows.Next() {
			var d Domain
			if err := drows.Scan(&d.Name, &d.A, &d.B); err != nil {
				drows.Close()
				return nil, fmt.Errorf("scan domain: %w", err)
			}
			out[i].Domains = append(out[i].Domains, d)
		}
		drows.Close()
	}
	return out, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
