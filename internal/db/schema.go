package db

// SchemaSQL defines the report table. One record per requested report; the request job and
// its derived download job each own one step object.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS report SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS seller_id ON report TYPE string;
    DEFINE FIELD IF NOT EXISTS identifier ON report TYPE string;
    DEFINE FIELD IF NOT EXISTS report_type ON report TYPE string;
    DEFINE FIELD IF NOT EXISTS lane ON report TYPE string;
    DEFINE FIELD IF NOT EXISTS stage ON report TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON report TYPE string;
    DEFINE FIELD IF NOT EXISTS start_date ON report TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS end_date ON report TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS request ON report TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS download ON report TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created ON report TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated ON report TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS report_seller ON report FIELDS seller_id;
    DEFINE INDEX IF NOT EXISTS report_status ON report FIELDS status;
`
