// Package repository provides data access for blueprints.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/blueprints-rt/blueprints/internal/model"
)

// BlueprintRepository provides data access for blueprints.
type BlueprintRepository struct {
	db *sql.DB
}

// NewBlueprintRepository creates a new BlueprintRepository.
func NewBlueprintRepository(db *sql.DB) *BlueprintRepository {
	return &BlueprintRepository{db: db}
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Create inserts a new blueprint.
func (r *BlueprintRepository) Create(ctx context.Context, bp *model.Blueprint) error {
	pointsJSON, err := bp.PointsToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize points: %w", err)
	}

	query := `
		INSERT INTO blueprints (author, name, points, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now()
	if _, err := r.db.ExecContext(ctx, query, bp.Author, bp.Name, pointsJSON, now, now); err != nil {
		if isConstraintViolation(err) {
			return model.ErrBlueprintExists
		}
		return fmt.Errorf("failed to create blueprint: %w", err)
	}
	return nil
}

// Get retrieves one blueprint.
func (r *BlueprintRepository) Get(ctx context.Context, author, name string) (*model.Blueprint, error) {
	query := `SELECT points FROM blueprints WHERE author = ? AND name = ?`

	var pointsJSON string
	err := r.db.QueryRowContext(ctx, query, author, name).Scan(&pointsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrBlueprintNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}

	bp := &model.Blueprint{Author: author, Name: name}
	if err := bp.PointsFromJSON(pointsJSON); err != nil {
		return nil, fmt.Errorf("failed to parse points: %w", err)
	}
	return bp, nil
}

// ListByAuthor retrieves all blueprints of an author, ordered by name.
func (r *BlueprintRepository) ListByAuthor(ctx context.Context, author string) ([]*model.Blueprint, error) {
	query := `SELECT name, points FROM blueprints WHERE author = ? ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, author)
	if err != nil {
		return nil, fmt.Errorf("failed to list blueprints: %w", err)
	}
	defer rows.Close()

	blueprints := []*model.Blueprint{}
	for rows.Next() {
		bp := &model.Blueprint{Author: author}
		var pointsJSON string
		if err := rows.Scan(&bp.Name, &pointsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan blueprint: %w", err)
		}
		if err := bp.PointsFromJSON(pointsJSON); err != nil {
			return nil, fmt.Errorf("failed to parse points: %w", err)
		}
		blueprints = append(blueprints, bp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blueprints: %w", err)
	}
	return blueprints, nil
}

// ReplacePoints overwrites the point sequence of an existing blueprint.
func (r *BlueprintRepository) ReplacePoints(ctx context.Context, author, name string, points []model.Point) error {
	bp := &model.Blueprint{Points: points}
	pointsJSON, err := bp.PointsToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize points: %w", err)
	}

	query := `UPDATE blueprints SET points = ?, updated_at = ? WHERE author = ? AND name = ?`
	result, err := r.db.ExecContext(ctx, query, pointsJSON, time.Now(), author, name)
	if err != nil {
		return fmt.Errorf("failed to update blueprint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrBlueprintNotFound
	}
	return nil
}

// AppendPoint adds p to a blueprint, creating the blueprint if needed, and
// returns the resulting sequence.
func (r *BlueprintRepository) AppendPoint(ctx context.Context, author, name string, p model.Point) ([]model.Point, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bp := &model.Blueprint{Author: author, Name: name}
	var pointsJSON string
	err = tx.QueryRowContext(ctx, `SELECT points FROM blueprints WHERE author = ? AND name = ?`, author, name).Scan(&pointsJSON)
	exists := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
		bp.Points = []model.Point{}
	case err != nil:
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	default:
		if err := bp.PointsFromJSON(pointsJSON); err != nil {
			return nil, fmt.Errorf("failed to parse points: %w", err)
		}
	}

	bp.Points = append(bp.Points, p)
	pointsJSON, err = bp.PointsToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize points: %w", err)
	}

	now := time.Now()
	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE blueprints SET points = ?, updated_at = ? WHERE author = ? AND name = ?`,
			pointsJSON, now, author, name)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO blueprints (author, name, points, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			author, name, pointsJSON, now, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store point: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit point: %w", err)
	}
	return bp.Points, nil
}

// Delete removes a blueprint.
func (r *BlueprintRepository) Delete(ctx context.Context, author, name string) error {
	query := `DELETE FROM blueprints WHERE author = ? AND name = ?`

	result, err := r.db.ExecContext(ctx, query, author, name)
	if err != nil {
		return fmt.Errorf("failed to delete blueprint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrBlueprintNotFound
	}
	return nil
}
