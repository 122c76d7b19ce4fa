package store

import (
	"context"

	"github.com/opensha/aafs/internal/fault"
)

const aliasCollection = "alias_families"

// FamilyForMember returns the newest alias family containing the given
// catalog id. Returns ErrNotFound when the id has never been seen.
func (s *Store) FamilyForMember(ctx context.Context, memberID string) (AliasFamily, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.family_id, f.family_time, f.authoritative_id, f.member_ids
		FROM alias_members m
		JOIN alias_families f ON f.family_id = m.family_id
		WHERE m.member_id = ?
		ORDER BY f.family_time DESC, f.id DESC
		LIMIT 1
	`, memberID)

	var f AliasFamily
	var members string
	if err := row.Scan(&f.ID, &f.FamilyID, &f.FamilyTime, &f.AuthoritativeID, &members); err != nil {
		return AliasFamily{}, notFound("family for member", aliasCollection, err)
	}
	var err error
	if f.MemberIDs, err = unmarshalIDs(members); err != nil {
		return AliasFamily{}, fault.Persistence("family for member", aliasCollection, err)
	}
	return f, nil
}

// WriteAliasFamily appends a family version outside a batch.
func (s *Store) WriteAliasFamily(ctx context.Context, f AliasFamily) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Persistence("write alias family: begin tx", aliasCollection, err)
	}
	defer tx.Rollback()

	if err := writeAliasFamily(ctx, tx, f); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Persistence("write alias family: commit", aliasCollection, err)
	}
	return nil
}

// writeAliasFamily appends a family version and points every member id at
// the family. A member moving between families follows its newest family.
func writeAliasFamily(ctx context.Context, q querier, f AliasFamily) error {
	members, err := marshalIDs(f.MemberIDs)
	if err != nil {
		return fault.Persistence("write alias family", aliasCollection, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO alias_families (family_id, family_time, authoritative_id, member_ids)
		VALUES (?, ?, ?, ?)
	`, f.FamilyID, f.FamilyTime, f.AuthoritativeID, members)
	if err != nil {
		return fault.Persistence("write alias family", aliasCollection, err)
	}

	for _, m := range f.MemberIDs {
		_, err := q.ExecContext(ctx, `
			INSERT INTO alias_members (member_id, family_id) VALUES (?, ?)
			ON CONFLICT(member_id) DO UPDATE SET family_id = excluded.family_id
		`, m, f.FamilyID)
		if err != nil {
			return fault.Persistence("write alias member", "alias_members", err)
		}
	}
	return nil
}
