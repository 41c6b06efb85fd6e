// Package rules turns a YAML rule document into the escaping policy
// served to the request filter, and keeps the active policy current.
//
// A document names defenders, picks a default one, lists global
// parameter rules and per-URL rules:
//
//	version: "2026-10-01"
//	default: preventer
//	defenders:
//	  - name: rich
//	    kind: sanitizer
//	global:
//	  params:
//	    - name: password
//	      use_defender: false
//	    - name: html_
//	      prefix: true
//	      defender: rich
//	url_rules:
//	  - url: /admin/raw
//	    disable: true
//	  - url: /board/*
//	    params:
//	      - name: content
//	        defender: rich
//
// Every built-in defender kind is also available under its own name.
// Store holds the active Snapshot and is swapped atomically by
// FileWatcher or Poller; readers never see a partially built policy.
package rules
