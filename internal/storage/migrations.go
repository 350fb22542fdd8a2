package storage

// migrations はファイル台帳のスキーマです。実行順に適用します。
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stored_files (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`,

	// 掃除は expires_at の範囲検索で行う
	`CREATE INDEX IF NOT EXISTS ix_stored_files_expires ON stored_files (expires_at);`,

	`CREATE INDEX IF NOT EXISTS ix_stored_files_job ON stored_files (job_id);`,
}
