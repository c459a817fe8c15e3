package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- CHAT MESSAGE TABLE (append-only turn log)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS chat_message SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS thread_id ON chat_message TYPE string;
    DEFINE FIELD IF NOT EXISTS role ON chat_message TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON chat_message TYPE string;
    DEFINE FIELD IF NOT EXISTS tool_call_id ON chat_message TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS tool_name ON chat_message TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_at ON chat_message TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS chat_message_thread ON chat_message FIELDS thread_id;
    DEFINE INDEX IF NOT EXISTS chat_message_thread_time ON chat_message FIELDS thread_id, created_at;

    -- ==========================================================================
    -- CREDENTIAL TABLE (one record per user/provider, idempotent upserts)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS credential SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS user_id ON credential TYPE string;
    DEFINE FIELD IF NOT EXISTS provider ON credential TYPE string;
    DEFINE FIELD IF NOT EXISTS state ON credential TYPE string;
    DEFINE FIELD IF NOT EXISTS payload ON credential TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS refresh_token ON credential TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS consent_state ON credential TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS expires_at ON credential TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS version ON credential TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS updated_at ON credential TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS credential_user_provider ON credential FIELDS user_id, provider UNIQUE;
    DEFINE INDEX IF NOT EXISTS credential_consent_state ON credential FIELDS consent_state;

    -- ==========================================================================
    -- SESSION TABLE (per-thread checkpoint marker)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS session SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS thread_id ON session TYPE string;
    DEFINE FIELD IF NOT EXISTS user_id ON session TYPE string;
    DEFINE FIELD IF NOT EXISTS checkpointed_at ON session TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS session_thread ON session FIELDS thread_id UNIQUE;
`
