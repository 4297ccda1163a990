package db

// SchemaSQL defines the retrospective tables. Every statement is idempotent
// so InitSchema can run on each start.
const SchemaSQL = `
    -- ==========================================================================
    -- RETRO_SESSION TABLE (one in-progress or finished session per user)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS retro_session SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS user_id ON retro_session TYPE string;
    DEFINE FIELD IF NOT EXISTS step ON retro_session TYPE string;
    DEFINE FIELD IF NOT EXISTS editing ON retro_session TYPE bool DEFAULT false;
    -- answers keyed by step name: {kind, number?, tag?, text?}
    DEFINE FIELD IF NOT EXISTS answers ON retro_session TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS pipeline_token ON retro_session TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON retro_session TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON retro_session TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS retro_session_step ON retro_session FIELDS step;

    -- ==========================================================================
    -- RETRO_RECORD TABLE (completed retrospectives, one per user and day)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS retro_record SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS user_id ON retro_record TYPE string;
    DEFINE FIELD IF NOT EXISTS date ON retro_record TYPE string;
    DEFINE FIELD IF NOT EXISTS answers ON retro_record TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS started_at ON retro_record TYPE datetime;
    DEFINE FIELD IF NOT EXISTS completed_at ON retro_record TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS retro_record_user ON retro_record FIELDS user_id;
    DEFINE INDEX IF NOT EXISTS retro_record_day ON retro_record FIELDS user_id, date UNIQUE;
`
