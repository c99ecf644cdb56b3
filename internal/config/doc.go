/*
Package config loads and validates the ftpsdrive configuration.

Configuration is layered, lowest priority first:

	┌─────────────────────────────────────────────┐
	│           Default Values                    │
	│        (NewDefault, ApplyDefaults)          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│           (FTPSDRIVE_*)                     │
	└─────────────────────────────────────────────┘

# Structure

The global section carries logging, metrics and buffer settings. Each entry
in servers describes one remote and where it is mounted:

	global:
	  log_level: INFO
	  log_format: console
	  log_file: /var/log/ftpsdrive.log
	  metrics_port: 9108
	servers:
	  - name: main
	    enabled: true
	    connection:
	      host: ftp.example.org
	      port: 21
	      username: alice
	      root_path: /
	    mount:
	      mount_point: /mnt/ftps
	      volume_label: FTPS
	      auto_mount: true
	    tls:
	      explicit: true
	      prefer_tls12: true
	      fingerprint_file: trusted_certs.json
	    cache:
	      ttl: 30s
	      max_entries: 500
	    pool:
	      size: 3
	      reconnect_initial: 5s
	      reconnect_max: 2m
	    notifications:
	      enabled: true
	      watch_path: /recent
	      poll_interval: 60s
	      excluded_categories: [PRE, ARCHIVE]

# Credentials

Passwords never live in the configuration file. Password resolves them in
this order:

 1. FTPSDRIVE_PASSWORD_<HOST>_<PORT>_<USER>, with every character outside
    A-Z and 0-9 replaced by an underscore
 2. FTPSDRIVE_PASSWORD
 3. the server's connection.password_file

# Validation

Validate checks struct tags with go-playground/validator and then the rules
tags cannot express: unique server IDs and mount points, and reconnect
delays that grow.
*/
package config
