package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gallery.dev/internal/obs"
	"gallery.dev/internal/store"
)

// MoveReport summarises a MoveExhibitTeams run.
type MoveReport struct {
	// Assigned counts teams that had no exhibit and were given one.
	Assigned int
	// Split counts copies made for teams shared by several exhibits.
	Split int
	// Members counts team users copied onto split teams.
	Members int
}

// MoveExhibitTeams converts rows of the legacy exhibit_teams link table into
// exhibit-owned teams. A team linked to one exhibit takes that exhibit; each
// further link gets its own copy of the team and its users. Processed links
// are deleted in the same transaction, so re-running is a no-op. Databases
// without the legacy table are left untouched.
func (m *Manager) MoveExhibitTeams(ctx context.Context) (MoveReport, error) {
	var report MoveReport
	var legacy bool
	if err := m.db.QueryRowContext(ctx, `select to_regclass('exhibit_teams') is not null`).Scan(&legacy); err != nil {
		return report, err
	}
	if !legacy {
		return report, nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer func() { _ = tx.Rollback() }()

	links, err := exhibitTeamLinks(ctx, tx)
	if err != nil {
		return report, err
	}
	for _, link := range links {
		if err := moveLink(ctx, tx, link, &report); err != nil {
			return MoveReport{}, fmt.Errorf("move team %s to exhibit %s: %w", link.team, link.exhibit, err)
		}
		if _, err := tx.ExecContext(ctx, `delete from exhibit_teams where exhibit_id = $1 and team_id = $2`,
			link.exhibit.String(), link.team.String()); err != nil {
			return MoveReport{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return MoveReport{}, err
	}
	obs.Log(ctx, obs.LevelInfo, "exhibit teams moved", map[string]any{
		"links":    len(links),
		"assigned": report.Assigned,
		"split":    report.Split,
		"members":  report.Members,
	})
	return report, nil
}

type exhibitTeamLink struct {
	exhibit, team uuid.UUID
}

func exhibitTeamLinks(ctx context.Context, tx *sql.Tx) ([]exhibitTeamLink, error) {
	rows, err := tx.QueryContext(ctx, `select exhibit_id, team_id from exhibit_teams order by team_id, exhibit_id for update`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []exhibitTeamLink
	for rows.Next() {
		var l exhibitTeamLink
		if err := rows.Scan(&l.exhibit, &l.team); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func moveLink(ctx context.Context, tx *sql.Tx, link exhibitTeamLink, report *MoveReport) error {
	var raw []byte
	err := tx.QueryRowContext(ctx, `select data from entities where entity_type = $1 and id = $2 for update`,
		string(store.TypeTeam), link.team.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	var team store.Team
	if err := json.Unmarshal(raw, &team); err != nil {
		return err
	}

	switch team.ExhibitID {
	case link.exhibit:
		return nil
	case uuid.Nil:
		team.ExhibitID = link.exhibit
		report.Assigned++
		return putDocument(ctx, tx, team)
	}

	original := team.ID
	team.ID, team.ExhibitID = uuid.New(), link.exhibit
	if err := putDocument(ctx, tx, team); err != nil {
		return err
	}
	report.Split++

	members, err := teamUsers(ctx, tx, original)
	if err != nil {
		return err
	}
	for _, tu := range members {
		tu.ID, tu.TeamID = uuid.New(), team.ID
		if err := putDocument(ctx, tx, tu); err != nil {
			return err
		}
		report.Members++
	}
	return nil
}

func teamUsers(ctx context.Context, tx *sql.Tx, teamID uuid.UUID) ([]store.TeamUser, error) {
	rows, err := tx.QueryContext(ctx, `select data from entities where entity_type = $1 and refs ->> $2 = $3 order by id`,
		string(store.TypeTeamUser), store.RefTeamID, teamID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TeamUser
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var tu store.TeamUser
		if err := json.Unmarshal(raw, &tu); err != nil {
			return nil, err
		}
		out = append(out, tu)
	}
	return out, rows.Err()
}

func putDocument(ctx context.Context, tx *sql.Tx, e store.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(e.Refs())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into entities (entity_type, id, data, refs)
		values ($1, $2, $3, $4)
		on conflict (entity_type, id) do update
		set data = excluded.data, refs = excluded.refs, updated_at = now()
	`, string(e.EntityType()), e.EntityID().String(), data, refs)
	return err
}
