package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("pgx should be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("sqlite3 should not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 || BoolToInt(false) != 0 {
		t.Error("BoolToInt mapping is wrong")
	}
}

func TestNow(t *testing.T) {
	if Now(PGX) != "NOW()" {
		t.Errorf("Now(pgx) = %q", Now(PGX))
	}
	if Now(SQLite3) != "datetime('now')" {
		t.Errorf("Now(sqlite3) = %q", Now(SQLite3))
	}
}

func TestJSONExtract(t *testing.T) {
	if got := JSONExtract(SQLite3, "payload", "kind"); got != "json_extract(payload, '$.kind')" {
		t.Errorf("sqlite JSONExtract = %q", got)
	}
	if got := JSONExtract(PGX, "payload", "kind"); got != "payload::jsonb->>'kind'" {
		t.Errorf("postgres JSONExtract = %q", got)
	}
}

func TestLike(t *testing.T) {
	if Like(PGX) != "ILIKE" || Like(SQLite3) != "LIKE" {
		t.Error("Like operator mapping is wrong")
	}
}
