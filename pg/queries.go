package pg

const createTaskQuery = `INSERT INTO tasks (id, name, queue, priority, args, status, retry_count, max_retries,
                                            base_delay_ms, max_delay_ms, jitter_fraction, timeout_ms,
                                            not_before, enqueued_at, created_at)
                         VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8, $9, $10, $11, now(), now())`

const queueDepthQuery = `SELECT count(*) FROM tasks
                          WHERE queue = $1 AND status IN ('queued', 'running')`

const getTaskQuery = `SELECT id, name, queue, priority, args, status, retry_count, max_retries,
                             base_delay_ms, max_delay_ms, jitter_fraction, timeout_ms,
                             not_before, next_attempt_at, last_error, enqueued_at, created_at
                        FROM tasks
                       WHERE id = $1`

const listAttemptsQuery = `SELECT task_id, attempt, worker_id, started_at, finished_at, status, error_class, error_message
                             FROM task_attempts
                            WHERE task_id = $1
                         ORDER BY attempt`

const cancelTaskQuery = `UPDATE tasks
                            SET status = 'cancelled', next_attempt_at = NULL
                          WHERE id = $1
                            AND status IN ('queued', 'retry_scheduled')`

const queueStatsQuery = `SELECT queue, status, count(*), min(enqueued_at) FILTER (WHERE status = 'queued')
                           FROM tasks
                          WHERE status IN ('queued', 'running', 'retry_scheduled')
                       GROUP BY queue, status`

const claimTaskQuery = `WITH candidate AS (
                            SELECT id
                              FROM tasks
                             WHERE queue = $1
                               AND (status = 'queued'
                                    OR (status = 'retry_scheduled' AND next_attempt_at <= now()))
                               AND (not_before IS NULL OR not_before <= now())
                          ORDER BY priority DESC, enqueued_at
                             LIMIT 1
                        FOR UPDATE SKIP LOCKED)

                        UPDATE tasks
                           SET status = 'running', next_attempt_at = NULL
                         WHERE id IN (SELECT id FROM candidate)
                     RETURNING id, name, queue, priority, args, status, retry_count, max_retries,
                               base_delay_ms, max_delay_ms, jitter_fraction, timeout_ms,
                               not_before, next_attempt_at, last_error, enqueued_at, created_at`

const openAttemptQuery = `INSERT INTO task_attempts (task_id, attempt, worker_id, started_at, status)
                          SELECT $1, COALESCE(MAX(attempt) + 1, 0), $2, now(), 'running'
                            FROM task_attempts
                           WHERE task_id = $1
                       RETURNING attempt`

const closeAttemptQuery = `UPDATE task_attempts
                              SET status = $3, error_class = $4, error_message = $5, finished_at = now()
                            WHERE task_id = $1
                              AND attempt = $2
                              AND status = 'running'`

const completeTaskQuery = `UPDATE tasks
                              SET status = 'succeeded', next_attempt_at = NULL
                            WHERE id = $1
                              AND status = 'running'`

const failTaskQuery = `UPDATE tasks
                          SET status = 'failed', next_attempt_at = NULL, last_error = $2
                        WHERE id = $1
                          AND status = 'running'`

const rescheduleTaskQuery = `UPDATE tasks
                                SET status = 'retry_scheduled', retry_count = retry_count + 1,
                                    next_attempt_at = $2, last_error = $3
                              WHERE id = $1
                                AND status = 'running'`

const cancelRunningTaskQuery = `UPDATE tasks
                                   SET status = 'cancelled', next_attempt_at = NULL, last_error = $2
                                 WHERE id = $1
                                   AND status = 'running'`

const requeueTaskQuery = `UPDATE tasks
                             SET status = 'queued', next_attempt_at = NULL
                           WHERE id = $1
                             AND status = 'running'`

const lastFiredQuery = `SELECT last_fired FROM schedules WHERE name = $1`

const setLastFiredQuery = `INSERT INTO schedules (name, last_fired, updated_at)
                           VALUES ($1, $2, now())
                      ON CONFLICT (name) DO UPDATE
                              SET last_fired = EXCLUDED.last_fired, updated_at = now()`
