package storage

// Notification channels filled by insert triggers
const (
	ChannelMessages = "canvas_messages_inserted"
	ChannelWhispers = "whispers_inserted"
)

// schema is idempotent: every statement may run against an already initialized database
const schema = `
create extension if not exists pgcrypto;

create table if not exists canvases (
	id             uuid primary key default gen_random_uuid(),
	starter_prompt text not null,
	mode           text not null check (mode in ('normal', 'roast')),
	created_by     text not null,
	created_at     timestamptz not null default now(),
	expires_at     timestamptz not null
);

create table if not exists canvas_participants (
	id        uuid primary key default gen_random_uuid(),
	canvas_id uuid not null references canvases (id) on delete cascade,
	username  text not null,
	joined_at timestamptz not null default now()
);

-- first join wins, case-insensitive, per canvas
create unique index if not exists canvas_participants_username_key
	on canvas_participants (canvas_id, lower(username));

create table if not exists canvas_messages (
	id              uuid primary key default gen_random_uuid(),
	canvas_id       uuid not null references canvases (id) on delete cascade,
	author_username text not null,
	content         text not null,
	created_at      timestamptz not null default clock_timestamp(),
	vote_count      bigint not null default 0
);

create index if not exists canvas_messages_canvas_created_idx
	on canvas_messages (canvas_id, created_at desc);

create table if not exists votes (
	id         uuid primary key default gen_random_uuid(),
	message_id uuid not null references canvas_messages (id) on delete cascade,
	username   text not null,
	vote       smallint not null check (vote in (-1, 1)),
	created_at timestamptz not null default now(),
	constraint votes_message_username_key unique (message_id, username)
);

create index if not exists votes_username_idx on votes (username);

create table if not exists whispers (
	id            uuid primary key default gen_random_uuid(),
	canvas_id     uuid not null references canvases (id) on delete cascade,
	from_username text not null,
	to_username   text not null,
	content       text not null,
	created_at    timestamptz not null default clock_timestamp(),
	read_at       timestamptz
);

create index if not exists whispers_recipient_idx on whispers (canvas_id, to_username);

create or replace function whisp_apply_vote_count() returns trigger as $$
begin
	if tg_op = 'INSERT' then
		update canvas_messages set vote_count = vote_count + new.vote where id = new.message_id;
	elsif tg_op = 'UPDATE' then
		update canvas_messages set vote_count = vote_count - old.vote + new.vote where id = new.message_id;
	else
		update canvas_messages set vote_count = vote_count - old.vote where id = old.message_id;
	end if;
	return null;
end;
$$ language plpgsql;

drop trigger if exists votes_vote_count on votes;
create trigger votes_vote_count
	after insert or update of vote or delete on votes
	for each row execute function whisp_apply_vote_count();

create or replace function whisp_notify_insert() returns trigger as $$
begin
	perform pg_notify(tg_argv[0], json_build_object('id', new.id, 'canvas_id', new.canvas_id)::text);
	return null;
end;
$$ language plpgsql;

drop trigger if exists canvas_messages_notify on canvas_messages;
create trigger canvas_messages_notify
	after insert on canvas_messages
	for each row execute function whisp_notify_insert('canvas_messages_inserted');

drop trigger if exists whispers_notify on whispers;
create trigger whispers_notify
	after insert on whispers
	for each row execute function whisp_notify_insert('whispers_inserted');

create or replace view popular_users as
select p.canvas_id,
       p.username,
       coalesce(m.message_count, 0)    as message_count,
       coalesce(m.total_votes, 0)      as total_votes,
       coalesce(w.whispers_received, 0) as whispers_received,
       coalesce(m.message_count, 0)
           + 2 * coalesce(m.total_votes, 0)
           + 3 * coalesce(w.whispers_received, 0) as popularity_score
  from canvas_participants p
  left join (select canvas_id,
                    lower(author_username)  as username,
                    count(*)                as message_count,
                    sum(vote_count)::bigint as total_votes
               from canvas_messages
              group by canvas_id, lower(author_username)) m
    on m.canvas_id = p.canvas_id and m.username = lower(p.username)
  left join (select canvas_id,
                    lower(to_username) as username,
                    count(*)           as whispers_received
               from whispers
              group by canvas_id, lower(to_username)) w
    on w.canvas_id = p.canvas_id and w.username = lower(p.username);
`
