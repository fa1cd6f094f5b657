package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the live schema against what the stores expect
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"notifications":     "Per-user notification storage",
		"activities":        "Activity feed storage",
		"presence":          "Last known presence per user",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column types match the store mappings
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"notifications": {
			"id":         "TEXT",
			"user_id":    "TEXT",
			"type":       "TEXT",
			"title":      "TEXT",
			"message":    "TEXT",
			"metadata":   "TEXT",
			"is_read":    "INTEGER",
			"created_at": "DATETIME",
		},
		"activities": {
			"id":          "TEXT",
			"user_id":     "TEXT",
			"type":        "TEXT",
			"description": "TEXT",
			"metadata":    "TEXT",
			"created_at":  "DATETIME",
		},
		"presence": {
			"user_id":   "TEXT",
			"status":    "TEXT",
			"last_seen": "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all query indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_notifications_user_time":   "Newest-first notification listing",
		"idx_notifications_user_unread": "Unread counting",
		"idx_activities_time":           "Unfiltered feed pages",
		"idx_activities_user_time":      "Feed pages by actor",
		"idx_activities_type_time":      "Feed pages by event type",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies CHECK constraints reject invalid enum values
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO presence (user_id, status, last_seen)
		VALUES ('__schema_check__', 'dancing', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM presence WHERE user_id = '__schema_check__'")
		return fmt.Errorf("check constraint not enforced: presence.status")
	}

	_, err = v.db.Exec(`
		INSERT INTO activities (id, user_id, type, description)
		VALUES ('__schema_check__', 'u', 'party', '')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM activities WHERE id = '__schema_check__'")
		return fmt.Errorf("check constraint not enforced: activities.type")
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, expectedType := range expectedColumns {
		foundType, ok := foundColumns[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", column, foundType, expectedType)
		}
	}
	return nil
}
