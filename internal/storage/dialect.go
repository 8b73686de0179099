package storage

import (
	"fmt"
	"strings"
)

// dialect carries the SQL differences between the supported databases
type dialect struct {
	name   string
	driver string
	// placeholder returns the bind marker for the n-th (1-based) argument
	placeholder func(n int) string
	// upsert returns the clause appended to an INSERT so that a primary key
	// match overwrites the non-key columns
	upsert func(key string, columns []string) string
	schema []string
}

var dialects = map[string]dialect{
	"postgresql": {
		name:        "postgresql",
		driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		upsert:      onConflictUpsert,
		schema:      postgresSchema,
	},
	"mysql": {
		name:        "mysql",
		driver:      "mysql",
		placeholder: func(int) string { return "?" },
		upsert:      onDuplicateKeyUpsert,
		schema:      mysqlSchema,
	},
	"sqlite": {
		name:        "sqlite",
		driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
		upsert:      onConflictUpsert,
		schema:      sqliteSchema,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported storage type: %s", name)
	}
	return d, nil
}

func onConflictUpsert(key string, columns []string) string {
	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
}

func onDuplicateKeyUpsert(key string, columns []string) string {
	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// upsertSQL builds an idempotent INSERT for table keyed by key
func (d dialect) upsertSQL(table, key string, columns []string) string {
	marks := make([]string, len(columns))
	for i := range columns {
		marks[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, strings.Join(columns, ", "), strings.Join(marks, ", "), d.upsert(key, columns))
}

// bind rewrites ? markers into the dialect's placeholders
func (d dialect) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	idLength          = 255
	courseIDLength    = 300
	courseTitleLength = 512
)

var postgresSchema = []string{
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS learners (
		id VARCHAR(%d) PRIMARY KEY,
		email VARCHAR(128),
		first_name VARCHAR(100),
		last_name VARCHAR(100)
	)`, idLength),
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS courses (
		id VARCHAR(%d) PRIMARY KEY,
		title VARCHAR(%d) NOT NULL,
		xapi_activity_id VARCHAR(255),
		created TIMESTAMPTZ NOT NULL,
		updated TIMESTAMPTZ NOT NULL,
		version INT,
		registration_count INT,
		activity_id VARCHAR(255),
		course_learning_standard VARCHAR(32) CHECK (course_learning_standard IN (%s)),
		tags JSONB,
		dispatched BOOLEAN,
		metadata JSONB,
		root_activity JSONB
	)`, courseIDLength, courseTitleLength, learningStandards),
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS registrations (
		id VARCHAR(%[1]d) PRIMARY KEY,
		instance INT NOT NULL,
		xapi_registration_id VARCHAR(255),
		dispatch_id VARCHAR(255),
		updated TIMESTAMPTZ,
		registration_completion VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN'
			CHECK (registration_completion IN ('UNKNOWN', 'COMPLETED', 'INCOMPLETE')),
		registration_completion_amount DOUBLE PRECISION,
		registration_success VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN'
			CHECK (registration_success IN ('UNKNOWN', 'PASSED', 'FAILED')),
		score DOUBLE PRECISION,
		total_seconds_tracked DOUBLE PRECISION,
		first_access_date TIMESTAMPTZ,
		last_access_date TIMESTAMPTZ,
		completed_date TIMESTAMPTZ,
		created_date TIMESTAMPTZ,
		course JSONB,
		learner_id VARCHAR(%[1]d) NOT NULL REFERENCES learners (id),
		tags JSONB,
		global_objectives JSONB,
		shared_data JSONB,
		suspended_activity_id VARCHAR(255),
		activity_details JSONB
	)`, idLength),
	`CREATE INDEX IF NOT EXISTS registrations_learner_id_idx ON registrations (learner_id)`,
	`CREATE TABLE IF NOT EXISTS migration_runs (
		id VARCHAR(36) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		pages INT NOT NULL DEFAULT 0,
		seen INT NOT NULL DEFAULT 0,
		migrated INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
}

var mysqlSchema = []string{
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS learners (
		id VARCHAR(%d) PRIMARY KEY,
		email VARCHAR(128),
		first_name VARCHAR(100),
		last_name VARCHAR(100)
	)`, idLength),
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS courses (
		id VARCHAR(%d) PRIMARY KEY,
		title VARCHAR(%d) NOT NULL,
		xapi_activity_id VARCHAR(255),
		created DATETIME(6) NOT NULL,
		updated DATETIME(6) NOT NULL,
		version INT,
		registration_count INT,
		activity_id VARCHAR(255),
		course_learning_standard ENUM(%s),
		tags JSON,
		dispatched BOOLEAN,
		metadata JSON,
		root_activity JSON
	)`, courseIDLength, courseTitleLength, learningStandards),
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS registrations (
		id VARCHAR(%[1]d) PRIMARY KEY,
		instance INT NOT NULL,
		xapi_registration_id VARCHAR(255),
		dispatch_id VARCHAR(255),
		updated DATETIME(6),
		registration_completion ENUM('UNKNOWN', 'COMPLETED', 'INCOMPLETE') NOT NULL DEFAULT 'UNKNOWN',
		registration_completion_amount DOUBLE,
		registration_success ENUM('UNKNOWN', 'PASSED', 'FAILED') NOT NULL DEFAULT 'UNKNOWN',
		score DOUBLE,
		total_seconds_tracked DOUBLE,
		first_access_date DATETIME(6),
		last_access_date DATETIME(6),
		completed_date DATETIME(6),
		created_date DATETIME(6),
		course JSON,
		learner_id VARCHAR(%[1]d) NOT NULL,
		tags JSON,
		global_objectives JSON,
		shared_data JSON,
		suspended_activity_id VARCHAR(255),
		activity_details JSON,
		KEY registrations_learner_id_idx (learner_id),
		CONSTRAINT registrations_learner_fk FOREIGN KEY (learner_id) REFERENCES learners (id)
	)`, idLength),
	`CREATE TABLE IF NOT EXISTS migration_runs (
		id VARCHAR(36) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		started_at DATETIME(6) NOT NULL,
		finished_at DATETIME(6),
		pages INT NOT NULL DEFAULT 0,
		seen INT NOT NULL DEFAULT 0,
		migrated INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS learners (
		id TEXT PRIMARY KEY,
		email TEXT,
		first_name TEXT,
		last_name TEXT
	)`,
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		xapi_activity_id TEXT,
		created DATETIME NOT NULL,
		updated DATETIME NOT NULL,
		version INTEGER,
		registration_count INTEGER,
		activity_id TEXT,
		course_learning_standard TEXT CHECK (course_learning_standard IN (%s)),
		tags TEXT,
		dispatched BOOLEAN,
		metadata TEXT,
		root_activity TEXT
	)`, learningStandards),
	`CREATE TABLE IF NOT EXISTS registrations (
		id TEXT PRIMARY KEY,
		instance INTEGER NOT NULL,
		xapi_registration_id TEXT,
		dispatch_id TEXT,
		updated DATETIME,
		registration_completion TEXT NOT NULL DEFAULT 'UNKNOWN'
			CHECK (registration_completion IN ('UNKNOWN', 'COMPLETED', 'INCOMPLETE')),
		registration_completion_amount REAL,
		registration_success TEXT NOT NULL DEFAULT 'UNKNOWN'
			CHECK (registration_success IN ('UNKNOWN', 'PASSED', 'FAILED')),
		score REAL,
		total_seconds_tracked REAL,
		first_access_date DATETIME,
		last_access_date DATETIME,
		completed_date DATETIME,
		created_date DATETIME,
		course TEXT,
		learner_id TEXT NOT NULL REFERENCES learners (id),
		tags TEXT,
		global_objectives TEXT,
		shared_data TEXT,
		suspended_activity_id TEXT,
		activity_details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS registrations_learner_id_idx ON registrations (learner_id)`,
	`CREATE TABLE IF NOT EXISTS migration_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		pages INTEGER NOT NULL DEFAULT 0,
		seen INTEGER NOT NULL DEFAULT 0,
		migrated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
}

const learningStandards = `'UNKNOWN', 'SCORM11', 'SCORM12', 'SCORM20042NDEDITION', 'SCORM20043RDEDITION',
		'SCORM20044THEDITION', 'AICC', 'XAPI', 'CMI5', 'LTI13'`
